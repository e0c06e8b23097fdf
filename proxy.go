package imapproxy

import (
	"context"
	"fmt"
	"strings"
)

// Proxy is the transport-agnostic entry point: every operation takes a
// session id and returns plain Go values.
type Proxy struct {
	sessions *Manager
}

// New returns a Proxy with no sessions.
func New(opts Options) *Proxy {
	return &Proxy{sessions: NewManager(opts)}
}

// Manager exposes the session table, e.g. to run its janitor.
func (p *Proxy) Manager() *Manager {
	return p.sessions
}

// Login authenticates with username and password and returns the new
// session's id. Every successful call yields a fresh id.
func (p *Proxy) Login(ctx context.Context, username, password, address string, port int) (SessionID, error) {
	return p.login(ctx, Credentials{Username: username, Password: password}, address, port)
}

// LoginOAuth2 is Login using XOAUTH2 with an access token.
func (p *Proxy) LoginOAuth2(ctx context.Context, username, accessToken, address string, port int) (SessionID, error) {
	return p.login(ctx, Credentials{Username: username, AccessToken: accessToken}, address, port)
}

func (p *Proxy) login(ctx context.Context, creds Credentials, address string, port int) (SessionID, error) {
	if strings.TrimSpace(creds.Username) == "" || strings.TrimSpace(address) == "" {
		return 0, fmt.Errorf("%w: username and address are required", ErrRange)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d", ErrRange, port)
	}
	return p.sessions.Login(ctx, creds, address, port)
}

// GetSessions lists live sessions ordered by id.
func (p *Proxy) GetSessions() []SessionSummary {
	return p.sessions.Sessions()
}

// GetMailboxes lists every mailbox path of the account, in server order.
func (p *Proxy) GetMailboxes(ctx context.Context, id SessionID) ([]string, error) {
	s, err := p.sessions.Resolve(id)
	if err != nil {
		return nil, err
	}
	var out []string
	err = s.do(ctx, func() (err error) {
		out, err = s.listMailboxes(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMailbox selects path and synchronizes its cache with the server.
func (p *Proxy) UpdateMailbox(ctx context.Context, id SessionID, path string) (SyncResult, error) {
	s, err := p.sessions.Resolve(id)
	if err != nil {
		return SyncResult{}, err
	}
	var out SyncResult
	err = s.do(ctx, func() (err error) {
		out, err = s.update(ctx, path)
		return err
	})
	if err != nil {
		return SyncResult{}, err
	}
	return out, nil
}

// GetMessagesWithUIDs returns the messages for uids in path, fetching those
// not cached yet. UIDs the server does not have are reported in Missing.
func (p *Proxy) GetMessagesWithUIDs(ctx context.Context, id SessionID, path string, uids []uint32) (FetchResult, error) {
	s, err := p.sessions.Resolve(id)
	if err != nil {
		return FetchResult{}, err
	}
	var out FetchResult
	err = s.do(ctx, func() (err error) {
		out, err = s.messagesWithUIDs(path, uids)
		return err
	})
	if err != nil {
		return FetchResult{}, err
	}
	return out, nil
}

// GetMessagesSorted returns messages [start, end) of path, newest first.
func (p *Proxy) GetMessagesSorted(ctx context.Context, id SessionID, path string, start, end int) ([]Message, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrRange, start, end)
	}
	s, err := p.sessions.Resolve(id)
	if err != nil {
		return nil, err
	}
	var out []Message
	err = s.do(ctx, func() (err error) {
		out, err = s.messagesSorted(ctx, path, start, end)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ModifyFlags adds (add=true) or removes flags on one message and returns
// its resulting flags.
func (p *Proxy) ModifyFlags(ctx context.Context, id SessionID, path string, uid uint32, flags []string, add bool) ([]string, error) {
	flags, err := NormalizeFlags(flags)
	if err != nil {
		return nil, err
	}
	if uid == 0 {
		return nil, fmt.Errorf("%w: uid 0", ErrRange)
	}
	s, err := p.sessions.Resolve(id)
	if err != nil {
		return nil, err
	}
	var out []string
	err = s.do(ctx, func() (err error) {
		out, err = s.modifyFlags(path, uid, flags, add)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveMessage moves one message from path to dest.
func (p *Proxy) MoveMessage(ctx context.Context, id SessionID, path string, uid uint32, dest string) error {
	if uid == 0 {
		return fmt.Errorf("%w: uid 0", ErrRange)
	}
	s, err := p.sessions.Resolve(id)
	if err != nil {
		return err
	}
	return s.do(ctx, func() error {
		return s.move(path, uid, dest)
	})
}

// Logout ends the session. Its id is unknown from then on.
func (p *Proxy) Logout(ctx context.Context, id SessionID) error {
	return p.sessions.Logout(ctx, id)
}

// Close logs out every session.
func (p *Proxy) Close(ctx context.Context) error {
	return p.sessions.Close(ctx)
}
