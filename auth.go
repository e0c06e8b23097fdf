package imapproxy

import (
	"errors"
	"fmt"

	"github.com/sqs/go-xoauth2"
)

// Authenticate performs XOAUTH2 authentication using an access token
func (l *Link) Authenticate(user string, accessToken string) (err error) {
	b64 := xoauth2.XOAuth2String(user, accessToken)
	_, err = l.Exec(fmt.Sprintf("AUTHENTICATE XOAUTH2 %s", b64), nil)
	return authError(err)
}

// Login performs LOGIN authentication using username and password
func (l *Link) Login(username string, password string) (err error) {
	_, err = l.Exec(fmt.Sprintf(`LOGIN "%s" "%s"`, AddSlashes.Replace(username), AddSlashes.Replace(password)), nil)
	return authError(err)
}

// authError maps a server rejection of the credentials to ErrAuth. Transport
// failures keep their own kind.
func authError(err error) error {
	var ce *CommandError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %s", ErrAuth, ce.Text)
	}
	return err
}
