package imapproxy

import (
	"net/mail"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/jhillyerd/enmime/v2"
)

// applyBody decodes a raw RFC 822 message into m's text, html and attachment
// list. Envelope fields the server did not supply are filled from the
// headers. A body that cannot be parsed leaves m as it is.
func (l *Link) applyBody(m *Message, raw string) {
	env, err := enmime.ReadEnvelope(strings.NewReader(raw))
	if err != nil {
		if Verbose {
			debugLog(l.ConnNum, l.Selected(), "email body could not be parsed, skipping", "uid", m.UID, "error", err, "raw", spew.Sdump(raw))
		}
		return
	}

	m.Text = env.Text
	m.HTML = env.HTML
	m.DeliveredTo = strings.TrimSpace(env.GetHeader("Delivered-To"))

	if m.Subject == "" {
		m.Subject = env.GetHeader("Subject")
	}
	if m.MessageID == "" {
		m.MessageID = env.GetHeader("Message-Id")
	}
	if m.InReplyTo == "" {
		m.InReplyTo = env.GetHeader("In-Reply-To")
	}
	if m.Date.IsZero() {
		if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
			m.Date = date.UTC()
		}
	}
	for _, a := range []struct {
		dest   *Addresses
		header string
	}{
		{&m.From, "From"},
		{&m.ReplyTo, "Reply-To"},
		{&m.To, "To"},
		{&m.CC, "Cc"},
		{&m.BCC, "Bcc"},
	} {
		if len(*a.dest) != 0 {
			continue
		}
		alist, _ := env.AddressList(a.header)
		for _, addr := range alist {
			mailbox, host, _ := strings.Cut(addr.Address, "@")
			*a.dest = append(*a.dest, Address{Name: addr.Name, Mailbox: mailbox, Host: host})
		}
	}

	m.Attachments = m.Attachments[:0]
	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, a := range parts {
			m.Attachments = append(m.Attachments, Attachment{
				Name:     a.FileName,
				MimeType: a.ContentType,
				Size:     uint64(len(a.Content)),
			})
		}
	}
}
