package imapproxy

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
)

const (
	flagsFetchItems = "(UID FLAGS)"
	fullFetchItems  = "(UID FLAGS INTERNALDATE RFC822.SIZE ENVELOPE BODY.PEEK[])"
)

// Address is one ENVELOPE address structure.
type Address struct {
	Name    string
	Mailbox string
	Host    string
}

// Email returns mailbox@host, or just the mailbox for group syntax.
func (a Address) Email() string {
	if a.Host == "" {
		return a.Mailbox
	}
	return a.Mailbox + "@" + a.Host
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email()
	}
	if strings.ContainsRune(a.Name, ',') {
		return fmt.Sprintf(`"%s" <%s>`, AddSlashes.Replace(a.Name), a.Email())
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email())
}

// Addresses renders like a header value.
type Addresses []Address

func (as Addresses) String() string {
	parts := make([]string, len(as))
	for i, a := range as {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// Attachment describes one attachment or inline part. Content is not kept.
type Attachment struct {
	Name     string
	MimeType string
	Size     uint64
}

// String returns a formatted string representation of an Attachment
func (a Attachment) String() string {
	return fmt.Sprintf("%s (%s %s)", a.Name, a.MimeType, humanize.Bytes(a.Size))
}

// Message is the cached view of one message in a mailbox.
type Message struct {
	UID         uint32
	SeqNum      uint32
	Flags       []string
	MessageID   string
	Subject     string
	From        Addresses
	Sender      Addresses
	ReplyTo     Addresses
	To          Addresses
	CC          Addresses
	BCC         Addresses
	InReplyTo   string
	DeliveredTo string
	Date        time.Time
	Received    time.Time
	Size        uint64
	Text        string
	HTML        string
	Attachments []Attachment
}

// HasFlag reports whether the message carries flag, compared case-insensitively.
func (m Message) HasFlag(flag string) bool {
	return slices.ContainsFunc(m.Flags, func(f string) bool { return strings.EqualFold(f, flag) })
}

// String returns a formatted string representation of a Message
func (m Message) String() string {
	email := strings.Builder{}

	email.WriteString(fmt.Sprintf("UID: %d (%s)\n", m.UID, humanize.Bytes(m.Size)))
	email.WriteString(fmt.Sprintf("Subject: %s\n", m.Subject))

	if len(m.To) != 0 {
		email.WriteString(fmt.Sprintf("To: %s\n", m.To))
	}
	if len(m.From) != 0 {
		email.WriteString(fmt.Sprintf("From: %s\n", m.From))
	}
	if len(m.CC) != 0 {
		email.WriteString(fmt.Sprintf("CC: %s\n", m.CC))
	}
	if len(m.BCC) != 0 {
		email.WriteString(fmt.Sprintf("BCC: %s\n", m.BCC))
	}
	if len(m.ReplyTo) != 0 {
		email.WriteString(fmt.Sprintf("ReplyTo: %s\n", m.ReplyTo))
	}
	if len(m.Flags) != 0 {
		email.WriteString(fmt.Sprintf("Flags: %s\n", strings.Join(m.Flags, " ")))
	}
	if len(m.Text) != 0 {
		if len(m.Text) > 20 {
			email.WriteString(fmt.Sprintf("Text: %s...", m.Text[:20]))
		} else {
			email.WriteString(fmt.Sprintf("Text: %s", m.Text))
		}
		email.WriteString(fmt.Sprintf(" (%s)\n", humanize.Bytes(uint64(len(m.Text)))))
	}
	if len(m.HTML) != 0 {
		if len(m.HTML) > 20 {
			email.WriteString(fmt.Sprintf("HTML: %s...", m.HTML[:20]))
		} else {
			email.WriteString(fmt.Sprintf("HTML: %s", m.HTML))
		}
		email.WriteString(fmt.Sprintf(" (%s)\n", humanize.Bytes(uint64(len(m.HTML)))))
	}

	if len(m.Attachments) != 0 {
		email.WriteString(fmt.Sprintf("%d Attachment(s): %s\n", len(m.Attachments), m.Attachments))
	}

	return email.String()
}

// clone copies the slices so callers cannot alias the cache.
func (m Message) clone() Message {
	m.Flags = slices.Clone(m.Flags)
	m.From = slices.Clone(m.From)
	m.Sender = slices.Clone(m.Sender)
	m.ReplyTo = slices.Clone(m.ReplyTo)
	m.To = slices.Clone(m.To)
	m.CC = slices.Clone(m.CC)
	m.BCC = slices.Clone(m.BCC)
	m.Attachments = slices.Clone(m.Attachments)
	return m
}

// fetchRecord is one decoded FETCH response.
type fetchRecord struct {
	SeqNum   uint32
	UID      uint32
	Flags    []string
	HasFlags bool
	Received time.Time
	Size     uint64
	Envelope *Token
	Body     string
	HasBody  bool
}

func decodeFetch(seq uint32, tks []*Token) (rec fetchRecord, err error) {
	// Some servers may wrap the FETCH content with extra parentheses.
	for len(tks) == 1 && tks[0].Type == TContainer {
		tks = tks[0].Tokens
	}
	rec.SeqNum = seq
	err = fetchPairs(tks, func(name string, v *Token) (err error) {
		switch name {
		case "UID":
			if err = checkType(v, []TType{TNumber}, tks, "after UID"); err != nil {
				return err
			}
			rec.UID = uint32(v.Num)
		case "FLAGS":
			if err = checkType(v, []TType{TContainer}, tks, "after FLAGS"); err != nil {
				return err
			}
			rec.HasFlags = true
			rec.Flags = make([]string, len(v.Tokens))
			for i, t := range v.Tokens {
				if err = checkType(t, []TType{TLiteral}, tks, "for FLAGS[%d]", i); err != nil {
					return err
				}
				rec.Flags[i] = t.Str
			}
		case "INTERNALDATE":
			if err = checkType(v, []TType{TQuoted}, tks, "after INTERNALDATE"); err != nil {
				return err
			}
			rec.Received, err = time.Parse(TimeFormat, v.Str)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrIMAP, err)
			}
			rec.Received = rec.Received.UTC()
		case "RFC822.SIZE":
			if err = checkType(v, []TType{TNumber}, tks, "after RFC822.SIZE"); err != nil {
				return err
			}
			rec.Size = uint64(v.Num)
		case "ENVELOPE":
			if err = checkType(v, []TType{TContainer}, tks, "after ENVELOPE"); err != nil {
				return err
			}
			rec.Envelope = v
		case "BODY[]":
			if err = checkType(v, []TType{TAtom, TQuoted, TNil}, tks, "after BODY[]"); err != nil {
				return err
			}
			rec.Body = v.Str
			rec.HasBody = true
		}
		return nil
	})
	return rec, err
}

// fetch runs UID FETCH for set and decodes every response that carries a UID.
func (l *Link) fetch(set, items string) (records []fetchRecord, err error) {
	_, err = l.Exec("UID FETCH "+set+" "+items, func(line []byte) error {
		seq, tks, ok, err := parseFetchLine(line)
		if !ok || err != nil {
			return err
		}
		rec, err := decodeFetch(seq, tks)
		if err != nil {
			return err
		}
		if rec.UID != 0 {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FetchFlags returns the UID and flags of every message in the UID set.
func (l *Link) FetchFlags(set string) ([]fetchRecord, error) {
	return l.fetch(set, flagsFetchItems)
}

// FetchMessages fetches and decodes the full messages for uids. UIDs the
// server does not have are simply absent from the result.
func (l *Link) FetchMessages(uids []uint32) (messages []Message, err error) {
	set := formatUIDSet(uids)
	if set == "" {
		return nil, nil
	}
	records, err := l.fetch(set, fullFetchItems)
	if err != nil {
		return nil, err
	}

	messages = make([]Message, 0, len(records))
	for _, rec := range records {
		m := Message{
			UID:      rec.UID,
			SeqNum:   rec.SeqNum,
			Flags:    rec.Flags,
			Received: rec.Received,
			Size:     rec.Size,
		}
		if rec.Envelope != nil {
			if err = decodeEnvelope(rec.Envelope, &m); err != nil {
				return nil, err
			}
		}
		if rec.HasBody {
			l.applyBody(&m, rec.Body)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// StoreFlags adds or removes flags on one message. It returns the flags the
// server echoed back; echoed is false when the server sent none.
func (l *Link) StoreFlags(uid uint32, flags []string, add bool) (result []string, echoed bool, err error) {
	op := "-FLAGS"
	if add {
		op = "+FLAGS"
	}
	query := fmt.Sprintf("UID STORE %d %s (%s)", uid, op, strings.Join(flags, " "))

	_, err = l.Exec(query, func(line []byte) error {
		seq, tks, ok, err := parseFetchLine(line)
		if !ok || err != nil {
			return err
		}
		rec, err := decodeFetch(seq, tks)
		if err != nil {
			return err
		}
		if rec.HasFlags && (rec.UID == uid || rec.UID == 0) {
			result, echoed = rec.Flags, true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, echoed, nil
}

// MoveMessage moves one message to dest. Servers without MOVE get COPY, a
// \Deleted store and an expunge (UID EXPUNGE when UIDPLUS is available).
func (l *Link) MoveMessage(uid uint32, dest string) (err error) {
	id := strconv.FormatUint(uint64(uid), 10)
	if l.HasCapability("MOVE") {
		_, err = l.Exec("UID MOVE "+id+" "+quote(dest), nil)
		return moveError(err, dest)
	}

	if _, err = l.Exec("UID COPY "+id+" "+quote(dest), nil); err != nil {
		return moveError(err, dest)
	}
	if _, err = l.Exec("UID STORE "+id+` +FLAGS.SILENT (\Deleted)`, nil); err != nil {
		return err
	}
	if l.HasCapability("UIDPLUS") {
		_, err = l.Exec("UID EXPUNGE "+id, nil)
	} else {
		_, err = l.Exec("EXPUNGE", nil)
	}
	return err
}

// moveError reports a missing destination as ErrNotFound. Servers signal it
// with a [TRYCREATE] response code.
func moveError(err error, dest string) error {
	var ce *CommandError
	if errors.As(err, &ce) && strings.Contains(strings.ToUpper(ce.Text), "[TRYCREATE]") {
		return notFound(err, fmt.Sprintf("mailbox %q", dest))
	}
	return err
}
