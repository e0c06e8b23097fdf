package imapproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
)

var (
	nextConnNum      = 0
	nextConnNumMutex = sync.Mutex{}
)

// LinkState is where a Link is in its connection lifecycle.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnected
	StateAuthenticated
	StateSelected
	StateClosed
	StateError
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Credentials identify the account a Link logs in as. When AccessToken is
// set, XOAUTH2 is used instead of LOGIN.
type Credentials struct {
	Username    string
	Password    string
	AccessToken string
}

// secret is what gets masked in verbose command logs.
func (c Credentials) secret() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.Password
}

// Link is one authenticated IMAP connection. Commands on a Link run one at a
// time; a Link is owned by exactly one Session.
type Link struct {
	Host    string
	Port    int
	ConnNum int

	creds Credentials

	mu sync.Mutex // held for the whole of one command

	stateMu  sync.Mutex
	conn     net.Conn
	r        *bufio.Reader
	state    LinkState
	selected string
	caps     map[string]bool
}

// Dial connects to host:port over TLS, authenticates and loads the server
// capabilities. Establishing the TCP/TLS connection is retried RetryCount
// times; a rejected login is not retried and returns ErrAuth.
func Dial(ctx context.Context, creds Credentials, host string, port int) (l *Link, err error) {
	nextConnNumMutex.Lock()
	connNum := nextConnNum
	nextConnNum++
	nextConnNumMutex.Unlock()

	l = &Link{
		Host:    host,
		Port:    port,
		ConnNum: connNum,
		creds:   creds,
	}

	// Retry only the connection establishment, not authentication
	err = retry.Retry(func() error {
		debugLog(connNum, "", "establishing connection", "host", host, "port", port)
		return l.connect(ctx)
	}, RetryCount, func(err error) error {
		debugLog(connNum, "", "failed to connect, retrying shortly", "error", err)
		return nil
	}, func() error {
		debugLog(connNum, "", "retrying connection now")
		return nil
	})
	if err != nil {
		warnLog(connNum, "", "failed to establish connection", "host", host, "port", port, "error", err)
		kind := ErrConnect
		if isTimeout(err) {
			kind = ErrTimeout
		}
		return nil, fmt.Errorf("%w: dial %s: %w", kind, net.JoinHostPort(host, strconv.Itoa(port)), err)
	}

	if err = l.authenticate(); err != nil {
		warnLog(connNum, "", "authentication failed", "user", creds.Username, "error", err)
		_ = l.Close()
		return nil, err
	}

	if err = l.loadCapabilities(); err != nil {
		_ = l.Close()
		return nil, err
	}

	return l, nil
}

func tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: TLSSkipVerify, // #nosec G402 -- opt-in via TLSSkipVerify
		MinVersion:         tls.VersionTLS12,
	}
}

// connect dials the server and consumes its greeting.
func (l *Link) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout()},
		Config:    tlsConfig(l.Host),
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(l.Host, strconv.Itoa(l.Port)))
	if err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(commandTimeout()))
	greeting, err := r.ReadString('\n')
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "* OK") && !strings.HasPrefix(greeting, "* PREAUTH") {
		_ = conn.Close()
		return fmt.Errorf("unexpected greeting: %q", strings.TrimSpace(greeting))
	}
	debugLog(l.ConnNum, "", "server greeting", "greeting", strings.TrimSpace(greeting))

	l.stateMu.Lock()
	l.conn = conn
	l.r = r
	l.state = StateConnected
	l.selected = ""
	l.stateMu.Unlock()
	return nil
}

func (l *Link) authenticate() error {
	var err error
	if l.creds.AccessToken != "" {
		err = l.Authenticate(l.creds.Username, l.creds.AccessToken)
	} else {
		err = l.Login(l.creds.Username, l.creds.Password)
	}
	if err != nil {
		return err
	}
	l.setState(StateAuthenticated)
	return nil
}

func (l *Link) loadCapabilities() error {
	caps := make(map[string]bool)
	_, err := l.Exec("CAPABILITY", func(line []byte) error {
		fields := strings.Fields(string(dropNl(line)))
		if len(fields) < 2 || fields[0] != "*" || !strings.EqualFold(fields[1], "CAPABILITY") {
			return nil
		}
		for _, c := range fields[2:] {
			caps[strings.ToUpper(c)] = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.stateMu.Lock()
	l.caps = caps
	l.stateMu.Unlock()
	return nil
}

// HasCapability reports whether the server advertised name (e.g. "MOVE").
func (l *Link) HasCapability(name string) bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.caps[strings.ToUpper(name)]
}

// State returns the current connection state.
func (l *Link) State() LinkState {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == StateClosed {
		return
	}
	l.state = s
}

// Selected returns the mailbox currently selected on the connection, or "".
func (l *Link) Selected() string {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.selected
}

func (l *Link) setSelected(mailbox string) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == StateClosed || l.state == StateError {
		return
	}
	l.selected = mailbox
	if mailbox == "" {
		l.state = StateAuthenticated
	} else {
		l.state = StateSelected
	}
}

// fail marks the link broken after a transport failure. The connection is
// dropped: with a command half read there is no way to resync the stream.
func (l *Link) fail(command string, err error) error {
	l.stateMu.Lock()
	if l.state != StateClosed {
		l.state = StateError
	}
	conn := l.conn
	mailbox := l.selected
	l.stateMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	if isTimeout(err) {
		errorLog(l.ConnNum, mailbox, "command timed out", "command", command, "error", err)
		return fmt.Errorf("%w: imap %s: %w", ErrTimeout, command, err)
	}
	errorLog(l.ConnNum, mailbox, "connection failed", "command", command, "error", err)
	return fmt.Errorf("%w: imap %s: %w", ErrConnect, command, err)
}

// isTimeout reports whether err is a deadline hit on the socket or the dial.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded)
}

// Logout sends LOGOUT when the connection is still usable and closes it.
func (l *Link) Logout() error {
	var err error
	switch l.State() {
	case StateConnected, StateAuthenticated, StateSelected:
		_, err = l.Exec("LOGOUT", nil)
	}
	if cerr := l.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the IMAP connection without logging out. It does not wait for
// a running command, which will fail with a connection error.
func (l *Link) Close() (err error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == StateClosed {
		return nil
	}
	l.state = StateClosed
	l.selected = ""
	if l.conn != nil {
		debugLog(l.ConnNum, "", "closing connection")
		if err = l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("imap close: %w", err)
		}
	}
	return nil
}

// Reconnect drops the current connection, dials again and re-authenticates.
// The selected mailbox is not restored; callers reselect as needed.
func (l *Link) Reconnect(ctx context.Context) (err error) {
	l.stateMu.Lock()
	if l.state == StateClosed {
		l.stateMu.Unlock()
		return errLinkClosed
	}
	old := l.conn
	l.state = StateDisconnected
	l.selected = ""
	l.stateMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	warnLog(l.ConnNum, "", "reopening connection")

	if err = l.connect(ctx); err != nil {
		l.setState(StateError)
		return fmt.Errorf("%w: imap reconnect dial: %w", ErrConnect, err)
	}
	if err = l.authenticate(); err != nil {
		l.setState(StateError)
		return fmt.Errorf("imap reconnect: %w", err)
	}
	if err = l.loadCapabilities(); err != nil {
		l.setState(StateError)
		return fmt.Errorf("imap reconnect: %w", err)
	}
	return nil
}
