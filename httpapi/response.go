package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/bradenaw/juniper/xslices"

	imapproxy "github.com/BrianLeishman/go-imap-proxy"
)

// response is the envelope of every reply on both transports.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) response {
	return response{Success: true, Message: "ok", Data: data}
}

// failure builds the error envelope and the HTTP status for err.
func failure(err error) (response, int) {
	kind, status := classify(err)
	return response{Success: false, Message: err.Error(), Error: kind}, status
}

func classify(err error) (kind string, status int) {
	switch {
	case errors.Is(err, errBadRequest):
		return "BadRequest", http.StatusBadRequest
	case errors.Is(err, errUnknownOp):
		return "UnknownOperation", http.StatusNotFound
	case errors.Is(err, imapproxy.ErrRange):
		return "RangeError", http.StatusBadRequest
	case errors.Is(err, imapproxy.ErrAuth):
		return "AuthError", http.StatusUnauthorized
	case errors.Is(err, imapproxy.ErrNotFound):
		return "NotFoundError", http.StatusNotFound
	case errors.Is(err, imapproxy.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError", http.StatusGatewayTimeout
	case errors.Is(err, imapproxy.ErrNeedsRelogin):
		return "NeedsRelogin", http.StatusBadGateway
	case errors.Is(err, imapproxy.ErrIMAP):
		return "ImapError", http.StatusBadGateway
	case errors.Is(err, imapproxy.ErrConnect):
		return "ConnectError", http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return "Canceled", 499
	}
	return "InternalError", http.StatusInternalServerError
}

type loginWire struct {
	SessionID uint64 `json:"session_id"`
}

type sessionWire struct {
	SessionID uint64 `json:"session_id"`
	Username  string `json:"username"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	State     string `json:"state"`
	Selected  string `json:"selected,omitempty"`
	CreatedAt int64  `json:"created_at"`
	LastUsed  int64  `json:"last_used"`
}

func sessionsWire(sessions []imapproxy.SessionSummary) []sessionWire {
	return xslices.Map(sessions, func(s imapproxy.SessionSummary) sessionWire {
		return sessionWire{
			SessionID: uint64(s.ID),
			Username:  s.Username,
			Address:   s.Address,
			Port:      s.Port,
			State:     s.State.String(),
			Selected:  s.Selected,
			CreatedAt: s.CreatedAt.UnixMilli(),
			LastUsed:  s.LastUsed.UnixMilli(),
		}
	})
}

type syncResultWire struct {
	UIDValidity uint32   `json:"uid_validity"`
	Exists      uint32   `json:"exists"`
	New         []uint32 `json:"new"`
	Changed     []uint32 `json:"changed"`
	Removed     []uint32 `json:"removed"`
	Reset       bool     `json:"reset"`
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func syncWire(r imapproxy.SyncResult) syncResultWire {
	return syncResultWire{
		UIDValidity: r.UIDValidity,
		Exists:      r.Exists,
		New:         nonNil(r.New),
		Changed:     nonNil(r.Changed),
		Removed:     nonNil(r.Removed),
		Reset:       r.Reset,
	}
}

type addressWire struct {
	Name    string `json:"name"`
	Mailbox string `json:"mailbox"`
	Host    string `json:"host"`
}

type attachmentWire struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     uint64 `json:"size"`
}

// messageWire keeps the field names clients of the proxy already rely on.
// html and text are base64 so arbitrary bodies survive any transport.
type messageWire struct {
	UID         uint32           `json:"uid"`
	SequenceID  uint32           `json:"sequence_id"`
	MessageID   string           `json:"message_id"`
	Subject     string           `json:"subject"`
	From        []addressWire    `json:"from"`
	Sender      []addressWire    `json:"sender"`
	To          []addressWire    `json:"to"`
	CC          []addressWire    `json:"cc"`
	BCC         []addressWire    `json:"bcc"`
	ReplyTo     []addressWire    `json:"reply_to"`
	InReplyTo   string           `json:"in_reply_to"`
	DeliveredTo string           `json:"delivered_to"`
	Date        int64            `json:"date"`
	Received    int64            `json:"received"`
	Size        uint64           `json:"size"`
	Flags       []string         `json:"flags"`
	HTML        string           `json:"html"`
	Text        string           `json:"text"`
	Attachments []attachmentWire `json:"attachments"`
}

func addressesWire(as imapproxy.Addresses) []addressWire {
	return nonNil(xslices.Map(as, func(a imapproxy.Address) addressWire {
		return addressWire{Name: a.Name, Mailbox: a.Mailbox, Host: a.Host}
	}))
}

func unixMilli(m imapproxy.Message) (date, received int64) {
	if !m.Date.IsZero() {
		date = m.Date.UnixMilli()
	}
	if !m.Received.IsZero() {
		received = m.Received.UnixMilli()
	}
	return date, received
}

func messageToWire(m imapproxy.Message) messageWire {
	date, received := unixMilli(m)
	return messageWire{
		UID:         m.UID,
		SequenceID:  m.SeqNum,
		MessageID:   m.MessageID,
		Subject:     m.Subject,
		From:        addressesWire(m.From),
		Sender:      addressesWire(m.Sender),
		To:          addressesWire(m.To),
		CC:          addressesWire(m.CC),
		BCC:         addressesWire(m.BCC),
		ReplyTo:     addressesWire(m.ReplyTo),
		InReplyTo:   m.InReplyTo,
		DeliveredTo: m.DeliveredTo,
		Date:        date,
		Received:    received,
		Size:        m.Size,
		Flags:       nonNil(m.Flags),
		HTML:        base64.StdEncoding.EncodeToString([]byte(m.HTML)),
		Text:        base64.StdEncoding.EncodeToString([]byte(m.Text)),
		Attachments: nonNil(xslices.Map(m.Attachments, func(a imapproxy.Attachment) attachmentWire {
			return attachmentWire{Name: a.Name, MimeType: a.MimeType, Size: a.Size}
		})),
	}
}

func messagesWire(messages []imapproxy.Message) []messageWire {
	return nonNil(xslices.Map(messages, messageToWire))
}

// fetchWire keys the found messages by their UID in decimal. UIDs the
// server does not have are left out.
func fetchWire(r imapproxy.FetchResult) map[string]messageWire {
	out := make(map[string]messageWire, len(r.Messages))
	for uid, m := range r.Messages {
		out[strconv.FormatUint(uint64(uid), 10)] = messageToWire(m)
	}
	return out
}

type flagsWire struct {
	Flags []string `json:"flags"`
}
