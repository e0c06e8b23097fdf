package imapproxy

import (
	"io"
	"mime"
	"net/mail"
	"strings"

	"golang.org/x/net/html/charset"
)

// ENVELOPE field positions
const (
	EDate uint8 = iota
	ESubject
	EFrom
	ESender
	EReplyTo
	ETo
	ECC
	EBCC
	EInReplyTo
	EMessageID
)

// Address structure field positions
const (
	EEName uint8 = iota
	EESR
	EEMailbox
	EEHost
)

var headerDecoder = &mime.WordDecoder{
	CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	},
}

// decodeHeader decodes RFC 2047 encoded words, returning s unchanged when
// it cannot be decoded.
func decodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	d, err := headerDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return d
}

// nstring is the value of a quoted, literal or NIL token.
func nstring(t *Token) string {
	switch t.Type {
	case TQuoted, TAtom, TLiteral:
		return t.Str
	}
	return ""
}

func decodeEnvelope(env *Token, m *Message) (err error) {
	tks := env.Tokens
	if len(tks) <= int(EMessageID) {
		return checkType(env, nil, tks, "ENVELOPE with %d fields", len(tks))
	}
	for i, t := range tks[:EMessageID+1] {
		switch uint8(i) {
		case EFrom, ESender, EReplyTo, ETo, ECC, EBCC:
			err = checkType(t, []TType{TContainer, TNil}, tks, "for ENVELOPE[%d]", i)
		default:
			err = checkType(t, []TType{TQuoted, TAtom, TNil}, tks, "for ENVELOPE[%d]", i)
		}
		if err != nil {
			return err
		}
	}

	if d := nstring(tks[EDate]); d != "" {
		if date, err := mail.ParseDate(d); err == nil {
			m.Date = date.UTC()
		}
	}
	m.Subject = decodeHeader(nstring(tks[ESubject]))
	m.InReplyTo = nstring(tks[EInReplyTo])
	m.MessageID = nstring(tks[EMessageID])

	for _, a := range []struct {
		dest *Addresses
		pos  uint8
	}{
		{&m.From, EFrom},
		{&m.Sender, ESender},
		{&m.ReplyTo, EReplyTo},
		{&m.To, ETo},
		{&m.CC, ECC},
		{&m.BCC, EBCC},
	} {
		if *a.dest, err = decodeAddresses(tks[a.pos], tks); err != nil {
			return err
		}
	}
	return nil
}

func decodeAddresses(list *Token, tks []*Token) (addrs Addresses, err error) {
	if list.Type == TNil {
		return nil, nil
	}
	addrs = make(Addresses, 0, len(list.Tokens))
	for i, t := range list.Tokens {
		if err = checkType(t, []TType{TContainer}, tks, "for address[%d]", i); err != nil {
			return nil, err
		}
		if len(t.Tokens) <= int(EEHost) {
			return nil, checkType(t, nil, tks, "address[%d] with %d fields", i, len(t.Tokens))
		}
		mailbox := nstring(t.Tokens[EEMailbox])
		host := nstring(t.Tokens[EEHost])
		// group start/end markers (RFC 3501 7.4.2) carry no host
		if host == "" && t.Tokens[EEHost].Type == TNil {
			continue
		}
		addrs = append(addrs, Address{
			Name:    decodeHeader(nstring(t.Tokens[EEName])),
			Mailbox: mailbox,
			Host:    host,
		})
	}
	return addrs, nil
}
