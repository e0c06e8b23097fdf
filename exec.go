package imapproxy

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Exec sends one tagged command and reads responses until its tagged
// completion. Every untagged response, with any literals inlined, is passed
// to processLine. The completion text after OK is returned.
//
// A tagged NO or BAD returns a *CommandError and leaves the link usable. An
// I/O failure, a deadline hit or an unexpected BYE marks the link broken.
// If processLine fails the rest of the response is still drained so the
// stream stays in sync, and its error is returned.
func (l *Link) Exec(command string, processLine func(line []byte) error) (response string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stateMu.Lock()
	conn, r, state, mailbox := l.conn, l.r, l.state, l.selected
	l.stateMu.Unlock()

	switch state {
	case StateError:
		return "", ErrNeedsRelogin
	case StateClosed, StateDisconnected:
		return "", errLinkClosed
	}

	name := commandName(command)
	tag := newTag()

	_ = conn.SetDeadline(time.Now().Add(commandTimeout()))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	c := fmt.Sprintf("%s %s%s", tag, command, nl)

	if Verbose {
		debugLog(l.ConnNum, mailbox, "sending command", "command", l.sanitize(strings.TrimSpace(c)))
	}

	if _, err = io.WriteString(conn, c); err != nil {
		return "", l.fail(name, err)
	}

	var lineErr error
	for {
		line, err := readResponse(r)
		if err != nil {
			return "", l.fail(name, err)
		}

		if Verbose && !SkipResponses {
			debugLog(l.ConnNum, mailbox, "server response", "response", string(dropNl(line)))
		}

		trimmed := dropNl(line)
		switch {
		// XID tags are 20 uppercase base32hex characters (0-9, A-V).
		case len(trimmed) > len(tag) && bytes.Equal(trimmed[:len(tag)], tag) && trimmed[len(tag)] == ' ':
			status, text := splitStatus(trimmed[len(tag)+1:])
			if status != "OK" {
				return "", &CommandError{Command: name, Status: status, Text: text}
			}
			if lineErr != nil {
				return "", lineErr
			}
			return text, nil

		case bytes.HasPrefix(trimmed, []byte("+")):
			// Nothing of ours waits on a continuation; an empty line cancels
			// it (e.g. a failed XOAUTH2 exchange).
			if _, err = io.WriteString(conn, nl); err != nil {
				return "", l.fail(name, err)
			}

		case bytes.HasPrefix(trimmed, []byte("* BYE")):
			if name == "LOGOUT" {
				continue
			}
			return "", l.fail(name, fmt.Errorf("server closed the connection: %s", trimmed[len("* BYE"):]))

		default:
			if processLine != nil && lineErr == nil {
				lineErr = processLine(line)
			}
		}
	}
}

// readResponse reads one full response line, inlining any {n} literals and
// the text that follows them.
func readResponse(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	for {
		a := atom.Find(dropNl(line))
		if a == nil {
			return line, nil
		}
		n, err := strconv.Atoi(string(a[1 : len(a)-1]))
		if err != nil {
			return nil, err
		}

		buf := make([]byte, n)
		if _, err = io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		line = append(line, buf...)

		buf, err = r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = append(line, buf...)
	}
}

// splitStatus splits "OK [READ-WRITE] done" into "OK" and "[READ-WRITE] done".
func splitStatus(b []byte) (status, text string) {
	s := string(b)
	if i := strings.IndexByte(s, ' '); i != -1 {
		return strings.ToUpper(s[:i]), s[i+1:]
	}
	return strings.ToUpper(s), ""
}

// commandName is the command word used in logs and errors, "UID FETCH" for
// UID commands.
func commandName(command string) string {
	fields := strings.Fields(command)
	switch {
	case len(fields) == 0:
		return ""
	case len(fields) > 1 && strings.EqualFold(fields[0], "UID"):
		return strings.ToUpper(fields[0] + " " + fields[1])
	}
	return strings.ToUpper(fields[0])
}

func (l *Link) sanitize(command string) string {
	if strings.HasPrefix(command, "AUTHENTICATE") || strings.Contains(command, " AUTHENTICATE ") {
		if i := strings.LastIndexByte(command, ' '); i != -1 {
			return command[:i+1] + "****"
		}
	}
	secret := l.creds.secret()
	if secret == "" {
		return command
	}
	return strings.ReplaceAll(command, `"`+AddSlashes.Replace(secret)+`"`, `"****"`)
}

// newTag returns a unique command tag: an uppercased xid, 20 characters of
// 0-9 and A-V.
func newTag() []byte {
	return []byte(strings.ToUpper(xid.New().String()))
}
