package imapproxy

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	existsRE      = regexp.MustCompile(`(?i)^\* (\d+) EXISTS`)
	uidValidityRE = regexp.MustCompile(`(?i)\[UIDVALIDITY (\d+)\]`)
	uidNextRE     = regexp.MustCompile(`(?i)\[UIDNEXT (\d+)\]`)
)

// MailboxStatus is what the server reported when a mailbox was selected.
type MailboxStatus struct {
	Name        string
	Exists      uint32
	UIDValidity uint32
	UIDNext     uint32
	ReadOnly    bool
}

// ListMailboxes returns every mailbox path visible to the account, in server
// order.
func (l *Link) ListMailboxes() (mailboxes []string, err error) {
	mailboxes = make([]string, 0)
	_, err = l.Exec(`LIST "" "*"`, func(line []byte) (err error) {
		line = dropNl(line)
		if !bytes.HasPrefix(bytes.ToUpper(line), []byte("* LIST ")) {
			return nil
		}
		if b := bytes.IndexByte(line, '\n'); b != -1 {
			mailboxes = append(mailboxes, string(line[b+1:]))
		} else {
			i := len(line) - 1
			quoted := line[i] == '"'
			delim := byte(' ')
			if quoted {
				delim = '"'
				i--
			}
			end := i
			for i > 0 {
				if line[i] == delim {
					if !quoted || line[i-1] != '\\' {
						break
					}
				}
				i--
			}
			mailboxes = append(mailboxes, RemoveSlashes.Replace(string(line[i+1:end+1])))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return mailboxes, nil
}

// Select opens mailbox read-write. A NO from the server means the mailbox
// does not exist (or cannot be opened) and returns ErrNotFound; the link is
// left with no mailbox selected.
func (l *Link) Select(mailbox string) (status MailboxStatus, err error) {
	status.Name = mailbox
	text, err := l.Exec("SELECT "+quote(mailbox), func(line []byte) (err error) {
		line = dropNl(line)
		if m := existsRE.FindSubmatch(line); m != nil {
			status.Exists, err = parseUint32(m[1])
		} else if m := uidValidityRE.FindSubmatch(line); m != nil {
			status.UIDValidity, err = parseUint32(m[1])
		} else if m := uidNextRE.FindSubmatch(line); m != nil {
			status.UIDNext, err = parseUint32(m[1])
		}
		return err
	})
	if err != nil {
		var ce *CommandError
		if errors.As(err, &ce) {
			l.setSelected("")
			return status, notFound(err, fmt.Sprintf("mailbox %q", mailbox))
		}
		return status, err
	}
	status.ReadOnly = strings.Contains(strings.ToUpper(text), "[READ-ONLY]")
	l.setSelected(mailbox)
	debugLog(l.ConnNum, mailbox, "mailbox selected", "exists", status.Exists, "uidvalidity", status.UIDValidity, "uidnext", status.UIDNext)
	return status, nil
}

// Noop gives the server a chance to report mailbox changes and checks the
// connection is alive.
func (l *Link) Noop() error {
	_, err := l.Exec("NOOP", nil)
	return err
}

func parseUint32(b []byte) (uint32, error) {
	n, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q: %w", ErrIMAP, b, err)
	}
	return uint32(n), nil
}
