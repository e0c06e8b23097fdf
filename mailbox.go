package imapproxy

import (
	"cmp"
	"slices"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// Mailbox is a session's snapshot of one mailbox. It is only touched from
// the owning session's worker.
type Mailbox struct {
	Path        string
	UIDValidity uint32
	Exists      uint32

	synced   bool
	messages map[uint32]*Message
	order    []uint32 // Received desc, UID desc; nil when stale
}

// SyncResult reports what UpdateMailbox changed in the cache.
type SyncResult struct {
	UIDValidity uint32
	Exists      uint32
	New         []uint32
	Changed     []uint32
	Removed     []uint32
	// Reset is set when UIDVALIDITY changed and the cache was discarded.
	Reset bool
}

func newMailbox(path string) *Mailbox {
	return &Mailbox{
		Path:     path,
		messages: make(map[uint32]*Message),
	}
}

// Len is the number of cached messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// observe records a SELECT status. It discards the cache and returns true
// when UIDVALIDITY differs from the one the cache was built under.
func (mb *Mailbox) observe(st MailboxStatus) (reset bool) {
	if mb.UIDValidity != 0 && st.UIDValidity != 0 && st.UIDValidity != mb.UIDValidity {
		mb.clear()
		mb.synced = false
		reset = true
	}
	if st.UIDValidity != 0 {
		mb.UIDValidity = st.UIDValidity
	}
	mb.Exists = st.Exists
	return reset
}

func (mb *Mailbox) clear() {
	clear(mb.messages)
	mb.order = nil
}

func (mb *Mailbox) get(uid uint32) (Message, bool) {
	m, ok := mb.messages[uid]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

func (mb *Mailbox) put(m Message) {
	m.Flags = sortFlags(m.Flags)
	mb.messages[m.UID] = &m
	mb.order = nil
}

func (mb *Mailbox) remove(uid uint32) bool {
	if _, ok := mb.messages[uid]; !ok {
		return false
	}
	delete(mb.messages, uid)
	mb.order = nil
	return true
}

func (mb *Mailbox) setFlags(uid uint32, flags []string) bool {
	m, ok := mb.messages[uid]
	if !ok {
		return false
	}
	m.Flags = sortFlags(flags)
	return true
}

func (mb *Mailbox) sorted() []uint32 {
	if mb.order != nil {
		return mb.order
	}
	order := make([]uint32, 0, len(mb.messages))
	for uid := range mb.messages {
		order = append(order, uid)
	}
	slices.SortFunc(order, func(a, b uint32) int {
		x, y := mb.messages[a], mb.messages[b]
		if c := x.Received.Compare(y.Received); c != 0 {
			return -c
		}
		return -cmp.Compare(a, b)
	})
	if order == nil {
		order = []uint32{}
	}
	mb.order = order
	return order
}

// slice returns [start, end) of the ordered view, clipped to what is cached.
func (mb *Mailbox) slice(start, end int) []Message {
	order := mb.sorted()
	if start >= len(order) {
		return []Message{}
	}
	end = min(end, len(order))
	out := make([]Message, 0, end-start)
	for _, uid := range order[start:end] {
		out = append(out, mb.messages[uid].clone())
	}
	return out
}

// sync brings the cache in line with the server after a SELECT that
// returned st. New messages are fetched in batches of SyncBatchSize.
func (mb *Mailbox) sync(l *Link, st MailboxStatus) (res SyncResult, err error) {
	started := time.Now()
	res.Reset = mb.observe(st)
	res.UIDValidity, res.Exists = mb.UIDValidity, st.Exists
	mb.synced = false

	server := make(map[uint32]bool)
	var fresh []uint32
	if st.Exists > 0 {
		records, err := l.FetchFlags("1:*")
		if err != nil {
			return res, err
		}
		for _, rec := range records {
			server[rec.UID] = true
			m, ok := mb.messages[rec.UID]
			if !ok {
				fresh = append(fresh, rec.UID)
				continue
			}
			m.SeqNum = rec.SeqNum
			if flags := sortFlags(rec.Flags); !slices.Equal(flags, m.Flags) {
				m.Flags = flags
				res.Changed = append(res.Changed, rec.UID)
			}
		}
	}

	for uid := range mb.messages {
		if !server[uid] {
			mb.remove(uid)
			res.Removed = append(res.Removed, uid)
		}
	}

	slices.Sort(fresh)
	var size uint64
	for _, batch := range chunk(fresh, syncBatchSize()) {
		messages, err := l.FetchMessages(batch)
		if err != nil {
			return res, err
		}
		for _, m := range messages {
			mb.put(m)
			size += m.Size
			res.New = append(res.New, m.UID)
		}
	}

	slices.Sort(res.New)
	slices.Sort(res.Changed)
	slices.Sort(res.Removed)
	mb.synced = true

	debugLog(l.ConnNum, mb.Path, "mailbox synced",
		"exists", st.Exists,
		"new", len(res.New),
		"changed", len(res.Changed),
		"removed", len(res.Removed),
		"fetched", humanize.Bytes(size),
		"took", time.Since(started))
	return res, nil
}
