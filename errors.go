package imapproxy

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Proxy operation matches exactly one
// of these with errors.Is, or is a context error from the caller's ctx.
var (
	ErrAuth     = errors.New("authentication failed")
	ErrConnect  = errors.New("connection error")
	ErrNotFound = errors.New("not found")
	ErrIMAP     = errors.New("imap command rejected")
	ErrTimeout  = errors.New("timeout")
	ErrRange    = errors.New("invalid range")
)

// ErrNeedsRelogin is returned by every operation on a session whose link
// broke earlier. The caller has to log out and log in again.
var ErrNeedsRelogin = fmt.Errorf("%w: session needs relogin", ErrConnect)

var (
	errSessionNotFound = fmt.Errorf("%w: unknown session", ErrNotFound)
	errSessionClosed   = fmt.Errorf("%w: session closed", ErrNotFound)
	errLinkClosed      = fmt.Errorf("%w: link closed", ErrConnect)
)

// CommandError is a tagged NO or BAD completion from the server.
type CommandError struct {
	Command string
	Status  string
	Text    string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("imap %s: %s %s", e.Command, e.Status, e.Text)
}

func (e *CommandError) Unwrap() error { return ErrIMAP }

// notFound rewraps a server rejection as ErrNotFound, keeping the server text.
func notFound(err error, what string) error {
	var ce *CommandError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %s: %s", ErrNotFound, what, ce.Text)
	}
	return err
}
