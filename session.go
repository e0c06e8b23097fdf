package imapproxy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
)

// SessionID identifies a logged-in session. IDs are never reused within a
// process.
type SessionID uint64

// Session owns one Link and the mailbox caches built over it. All work on a
// session runs on its worker goroutine, one job at a time, in arrival order.
type Session struct {
	ID        SessionID
	Username  string
	Address   string
	Port      int
	CreatedAt time.Time

	lastUsed atomic.Int64
	closing  atomic.Bool

	link *Link
	log  Logger

	// worker only
	caches   map[string]*Mailbox
	selected *Mailbox

	jobs chan job
	quit chan struct{}
	done chan struct{}
}

type job struct {
	ctx    context.Context
	fn     func() error
	result chan error
	final  bool
}

func newSession(id SessionID, creds Credentials, address string, port int, link *Link) *Session {
	now := time.Now()
	s := &Session{
		ID:        id,
		Username:  creds.Username,
		Address:   address,
		Port:      port,
		CreatedAt: now,
		link:      link,
		log:       sessionLogger(id),
		caches:    make(map[string]*Mailbox),
		jobs:      make(chan job),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.lastUsed.Store(now.UnixNano())
	go s.run()
	return s
}

// LastUsed is when the session last accepted an operation.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case j := <-s.jobs:
			if j.ctx.Err() != nil {
				continue
			}
			if s.closing.Load() && !j.final {
				j.result <- errSessionClosed
				continue
			}
			j.result <- j.fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the session worker and waits for it. ctx bounds only the
// wait: a job that has started runs to completion, one whose ctx ended
// while it was queued is skipped.
func (s *Session) do(ctx context.Context, fn func() error) error {
	if s.closing.Load() {
		return errSessionClosed
	}
	s.lastUsed.Store(time.Now().UnixNano())

	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close logs out on the worker after any job already running. If ctx ends
// first the connection is dropped from under it.
func (s *Session) close(ctx context.Context) (err error) {
	if !s.closing.CompareAndSwap(false, true) {
		return errSessionClosed
	}
	defer close(s.quit)

	j := job{ctx: context.Background(), fn: s.link.Logout, result: make(chan error, 1), final: true}
	select {
	case s.jobs <- j:
		select {
		case err = <-j.result:
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = s.link.Close()
	}
	return err
}

// mailbox returns the cache for path, creating it.
func (s *Session) mailbox(path string) *Mailbox {
	mb, ok := s.caches[path]
	if !ok {
		mb = newMailbox(path)
		s.caches[path] = mb
	}
	return mb
}

// open makes path the selected mailbox, selecting it on the server unless it
// already is.
func (s *Session) open(path string) (*Mailbox, error) {
	if s.selected != nil && s.selected.Path == path && s.link.Selected() == path {
		return s.selected, nil
	}
	st, err := s.link.Select(path)
	if err != nil {
		s.selected = nil
		return nil, err
	}
	mb := s.mailbox(path)
	if mb.observe(st) {
		s.log.Warn("uidvalidity changed, cache discarded", "mailbox", path, "uidvalidity", st.UIDValidity)
	}
	s.selected = mb
	return mb, nil
}

// retryOnTimeout runs an idempotent read, reconnecting and retrying once if
// it timed out.
func (s *Session) retryOnTimeout(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrTimeout) {
		return err
	}
	s.log.Warn("read timed out, reconnecting", "error", err)
	s.selected = nil
	if rerr := s.link.Reconnect(context.WithoutCancel(ctx)); rerr != nil {
		s.log.Error("reconnect failed", "error", rerr)
		return err
	}
	return fn()
}

func (s *Session) listMailboxes(ctx context.Context) (mailboxes []string, err error) {
	err = s.retryOnTimeout(ctx, func() (err error) {
		mailboxes, err = s.link.ListMailboxes()
		return err
	})
	return mailboxes, err
}

func (s *Session) update(ctx context.Context, path string) (res SyncResult, err error) {
	err = s.retryOnTimeout(ctx, func() error {
		st, err := s.link.Select(path)
		if err != nil {
			s.selected = nil
			return err
		}
		mb := s.mailbox(path)
		s.selected = mb
		res, err = mb.sync(s.link, st)
		return err
	})
	if res.Reset {
		s.log.Warn("uidvalidity changed, cache discarded", "mailbox", path, "uidvalidity", res.UIDValidity)
	}
	return res, err
}

// FetchResult is the answer to a lookup by UID. UIDs the server does not
// have are listed in Missing.
type FetchResult struct {
	Messages map[uint32]Message
	Missing  []uint32
}

func (s *Session) messagesWithUIDs(path string, uids []uint32) (res FetchResult, err error) {
	mb, err := s.open(path)
	if err != nil {
		return res, err
	}

	res.Messages = make(map[uint32]Message, len(uids))
	var miss []uint32
	for _, uid := range uids {
		if _, ok := res.Messages[uid]; ok {
			continue
		}
		if m, ok := mb.get(uid); ok {
			res.Messages[uid] = m
		} else if !slices.Contains(miss, uid) {
			miss = append(miss, uid)
		}
	}

	for _, batch := range chunk(miss, syncBatchSize()) {
		messages, err := s.link.FetchMessages(batch)
		if err != nil {
			return FetchResult{}, err
		}
		for _, m := range messages {
			mb.put(m)
			res.Messages[m.UID], _ = mb.get(m.UID)
		}
	}
	for _, uid := range miss {
		if _, ok := res.Messages[uid]; !ok {
			res.Missing = append(res.Missing, uid)
		}
	}
	slices.Sort(res.Missing)
	return res, nil
}

func (s *Session) messagesSorted(ctx context.Context, path string, start, end int) ([]Message, error) {
	mb, ok := s.caches[path]
	if !ok || !mb.synced || (end > mb.Len() && mb.Len() < int(mb.Exists)) {
		if _, err := s.update(ctx, path); err != nil {
			return nil, err
		}
		mb = s.caches[path]
	}
	return mb.slice(start, end), nil
}

func (s *Session) modifyFlags(path string, uid uint32, flags []string, add bool) ([]string, error) {
	mb, err := s.open(path)
	if err != nil {
		return nil, err
	}
	echo, echoed, err := s.link.StoreFlags(uid, flags, add)
	if err != nil {
		return nil, err
	}
	if echoed {
		mb.setFlags(uid, echo)
		return sortFlags(echo), nil
	}
	if m, ok := mb.get(uid); ok {
		result := applyFlags(m.Flags, flags, add)
		mb.setFlags(uid, result)
		return result, nil
	}
	// not cached and not echoed: ask the server what the message now has
	records, err := s.link.FetchFlags(formatUIDSet([]uint32{uid}))
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.UID == uid {
			return sortFlags(rec.Flags), nil
		}
	}
	return nil, fmt.Errorf("%w: message %d in %q", ErrNotFound, uid, path)
}

func (s *Session) move(path string, uid uint32, dest string) error {
	mb, err := s.open(path)
	if err != nil {
		return err
	}
	if _, ok := mb.get(uid); !ok {
		records, err := s.link.FetchFlags(formatUIDSet([]uint32{uid}))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("%w: message %d in %q", ErrNotFound, uid, path)
		}
	}
	if err = s.link.MoveMessage(uid, dest); err != nil {
		return err
	}
	mb.remove(uid)
	if mb.Exists > 0 {
		mb.Exists--
	}
	// the destination picks the message up on its next sync
	if d, ok := s.caches[dest]; ok {
		d.synced = false
	}
	return nil
}
