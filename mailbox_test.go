package imapproxy

import (
	"testing"
	"time"
)

func TestMailboxOrdering(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mb := newMailbox("INBOX")
	mb.put(Message{UID: 1, Received: base})
	mb.put(Message{UID: 2, Received: base.Add(2 * time.Hour)})
	mb.put(Message{UID: 3, Received: base.Add(time.Hour)})
	mb.put(Message{UID: 4, Received: base.Add(2 * time.Hour)})

	got := mb.slice(0, 10)
	want := []uint32{4, 2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("slice(0, 10) returned %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.UID != want[i] {
			t.Errorf("position %d: UID %d, want %d", i, m.UID, want[i])
		}
	}

	if got := mb.slice(1, 3); len(got) != 2 || got[0].UID != 2 || got[1].UID != 3 {
		t.Errorf("slice(1, 3) = %v", got)
	}
	if got := mb.slice(4, 8); len(got) != 0 {
		t.Errorf("slice past end = %v, want empty", got)
	}
	if got := mb.slice(2, 2); len(got) != 0 {
		t.Errorf("empty range = %v", got)
	}

	mb.remove(2)
	if got := mb.slice(0, 1); got[0].UID != 4 {
		t.Errorf("after remove first = %d, want 4", got[0].UID)
	}
}

func TestMailboxReturnsCopies(t *testing.T) {
	mb := newMailbox("INBOX")
	mb.put(Message{UID: 1, Flags: []string{`\Seen`}})

	m, _ := mb.get(1)
	m.Flags[0] = `\Deleted`

	again, _ := mb.get(1)
	if again.Flags[0] != `\Seen` {
		t.Errorf("cache aliased by caller: %v", again.Flags)
	}
}

func TestMailboxObserve(t *testing.T) {
	mb := newMailbox("INBOX")
	if mb.observe(MailboxStatus{UIDValidity: 5, Exists: 1}) {
		t.Error("first observe should not reset")
	}
	mb.put(Message{UID: 1})
	mb.synced = true

	if mb.observe(MailboxStatus{UIDValidity: 5, Exists: 2}) {
		t.Error("same validity should not reset")
	}
	if mb.Len() != 1 || mb.Exists != 2 {
		t.Errorf("Len %d Exists %d", mb.Len(), mb.Exists)
	}

	if !mb.observe(MailboxStatus{UIDValidity: 6, Exists: 2}) {
		t.Error("changed validity should reset")
	}
	if mb.Len() != 0 || mb.synced || mb.UIDValidity != 6 {
		t.Errorf("after reset: Len %d synced %v validity %d", mb.Len(), mb.synced, mb.UIDValidity)
	}
}
