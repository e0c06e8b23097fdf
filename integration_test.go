//go:build integration

package imapproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"slices"
	"sync"
	"testing"
	"time"
)

// Integration tests require a running GreenMail server (IMAPS on 3993,
// SMTP on 3025).
//
// Run tests with: go test -tags=integration -v ./...
//
// These tests modify the global TLSSkipVerify variable and use a mutex to
// prevent races. Do not run with t.Parallel() at the top level.

const (
	testIMAPHost  = "localhost"
	testIMAPSPort = 3993
	testSMTPPort  = 3025
	testUser      = "testuser@localhost"
	testPass      = "testpass"
)

var tlsSkipVerifyMu sync.Mutex

func getTestHost() string {
	if h := os.Getenv("IMAP_TEST_HOST"); h != "" {
		return h
	}
	return testIMAPHost
}

func waitForServer(host string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server %s:%d not ready after %v", host, port, timeout)
}

func sendTestEmail(host string, port int, from, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body)
	return smtp.SendMail(addr, nil, from, []string{to}, []byte(msg))
}

func setupTestSession(t *testing.T) (*Proxy, SessionID) {
	t.Helper()
	host := getTestHost()

	if err := waitForServer(host, testIMAPSPort, 30*time.Second); err != nil {
		t.Skipf("IMAP server not available: %v", err)
	}
	if err := waitForServer(host, testSMTPPort, 30*time.Second); err != nil {
		t.Skipf("SMTP server not available: %v", err)
	}

	tlsSkipVerifyMu.Lock()
	oldSkipVerify := TLSSkipVerify
	TLSSkipVerify = true
	t.Cleanup(func() {
		TLSSkipVerify = oldSkipVerify
		tlsSkipVerifyMu.Unlock()
	})

	p := New(Options{})
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	// GreenMail creates users on first login attempt
	id, err := p.Login(context.Background(), testUser, testPass, host, testIMAPSPort)
	if err != nil {
		t.Skipf("Could not log in to IMAP server: %v", err)
	}
	return p, id
}

func TestIntegration_SyncAndSort(t *testing.T) {
	p, id := setupTestSession(t)
	ctx := context.Background()
	host := getTestHost()

	before, err := p.UpdateMailbox(ctx, id, "INBOX")
	if err != nil {
		t.Fatalf("UpdateMailbox failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		subject := fmt.Sprintf("Sync Test %d", i)
		if err := sendTestEmail(host, testSMTPPort, "sender@localhost", testUser, subject, "body"); err != nil {
			t.Fatalf("Failed to send test email %d: %v", i, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	after, err := p.UpdateMailbox(ctx, id, "INBOX")
	if err != nil {
		t.Fatalf("UpdateMailbox failed: %v", err)
	}
	if len(after.New) != 5 {
		t.Errorf("Expected 5 new messages, got %d", len(after.New))
	}
	if after.Exists != before.Exists+5 {
		t.Errorf("Exists = %d, want %d", after.Exists, before.Exists+5)
	}

	t.Run("newest first", func(t *testing.T) {
		page, err := p.GetMessagesSorted(ctx, id, "INBOX", 0, 3)
		if err != nil {
			t.Fatalf("GetMessagesSorted failed: %v", err)
		}
		if len(page) != 3 {
			t.Fatalf("Expected 3 messages, got %d", len(page))
		}
		if page[0].Subject != "Sync Test 5" {
			t.Errorf("Newest subject = %q", page[0].Subject)
		}
		for i := 1; i < len(page); i++ {
			if page[i].Received.After(page[i-1].Received) {
				t.Errorf("Messages not ordered newest first at %d", i)
			}
		}
	})

	t.Run("flags and move", func(t *testing.T) {
		uid := after.New[0]
		flags, err := p.ModifyFlags(ctx, id, "INBOX", uid, []string{"Seen"}, true)
		if err != nil {
			t.Fatalf("ModifyFlags failed: %v", err)
		}
		if !slices.Contains(flags, `\Seen`) {
			t.Errorf("flags = %v", flags)
		}

		err = p.MoveMessage(ctx, id, "INBOX", uid, "Does-Not-Exist")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Move to missing mailbox = %v, want ErrNotFound", err)
		}
	})
}

func TestIntegration_Connection(t *testing.T) {
	p, id := setupTestSession(t)

	mailboxes, err := p.GetMailboxes(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMailboxes failed: %v", err)
	}
	if !slices.Contains(mailboxes, "INBOX") {
		t.Errorf("Expected INBOX in %v", mailboxes)
	}

	if err := p.Logout(context.Background(), id); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := p.GetMailboxes(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMailboxes after logout = %v, want ErrNotFound", err)
	}
}
