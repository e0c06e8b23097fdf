// Package httpapi serves the proxy operations over HTTP and over a
// line-oriented WebSocket protocol. It only translates wire requests into
// calls on a Backend and encodes the results.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	imapproxy "github.com/BrianLeishman/go-imap-proxy"
)

// Backend is the set of operations the front ends expose. *imapproxy.Proxy
// implements it.
type Backend interface {
	Login(ctx context.Context, username, password, address string, port int) (imapproxy.SessionID, error)
	LoginOAuth2(ctx context.Context, username, accessToken, address string, port int) (imapproxy.SessionID, error)
	GetSessions() []imapproxy.SessionSummary
	GetMailboxes(ctx context.Context, id imapproxy.SessionID) ([]string, error)
	UpdateMailbox(ctx context.Context, id imapproxy.SessionID, path string) (imapproxy.SyncResult, error)
	GetMessagesWithUIDs(ctx context.Context, id imapproxy.SessionID, path string, uids []uint32) (imapproxy.FetchResult, error)
	GetMessagesSorted(ctx context.Context, id imapproxy.SessionID, path string, start, end int) ([]imapproxy.Message, error)
	ModifyFlags(ctx context.Context, id imapproxy.SessionID, path string, uid uint32, flags []string, add bool) ([]string, error)
	MoveMessage(ctx context.Context, id imapproxy.SessionID, path string, uid uint32, dest string) error
	Logout(ctx context.Context, id imapproxy.SessionID) error
}

var _ Backend = (*imapproxy.Proxy)(nil)

// Operations lists the operation names both transports accept.
var Operations = []string{
	"login",
	"logout",
	"get_sessions",
	"get_mailboxes",
	"update_mailbox",
	"get_messages_with_uids",
	"get_messages_sorted",
	"modify_flags",
	"move_message",
}

var (
	errBadRequest = errors.New("bad request")
	errUnknownOp  = errors.New("unknown operation")
)

// params are the key=value arguments of one request.
type params map[string]string

func (p params) str(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %s", errBadRequest, key)
	}
	return v, nil
}

func (p params) integer(key string) (int, error) {
	v, err := p.str(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number: %q", errBadRequest, key, v)
	}
	return n, nil
}

func (p params) uid(key string) (uint32, error) {
	v, err := p.str(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a uid: %q", errBadRequest, key, v)
	}
	return uint32(n), nil
}

func (p params) uids(key string) ([]uint32, error) {
	v, err := p.str(key)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s holds a bad uid: %q", errBadRequest, key, f)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func (p params) session() (imapproxy.SessionID, error) {
	v, err := p.str("session_id")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: session_id is not a number: %q", errBadRequest, v)
	}
	return imapproxy.SessionID(n), nil
}

func (p params) boolean(key string) (bool, error) {
	v, err := p.str(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s is not a boolean: %q", errBadRequest, key, v)
	}
	return b, nil
}

// dispatch runs one operation and returns the value to send as data.
func dispatch(ctx context.Context, b Backend, op string, p params) (any, error) {
	if op == "get_sessions" {
		return sessionsWire(b.GetSessions()), nil
	}
	if op == "login" {
		return login(ctx, b, p)
	}

	id, err := p.session()
	if err != nil {
		return nil, err
	}
	switch op {
	case "logout":
		return nil, b.Logout(ctx, id)

	case "get_mailboxes":
		return b.GetMailboxes(ctx, id)

	case "update_mailbox":
		path, err := p.str("mailbox_path")
		if err != nil {
			return nil, err
		}
		res, err := b.UpdateMailbox(ctx, id, path)
		if err != nil {
			return nil, err
		}
		return syncWire(res), nil

	case "get_messages_with_uids":
		path, err := p.str("mailbox_path")
		if err != nil {
			return nil, err
		}
		uids, err := p.uids("message_uids")
		if err != nil {
			return nil, err
		}
		res, err := b.GetMessagesWithUIDs(ctx, id, path, uids)
		if err != nil {
			return nil, err
		}
		return fetchWire(res), nil

	case "get_messages_sorted":
		path, err := p.str("mailbox_path")
		if err != nil {
			return nil, err
		}
		start, err := p.integer("start")
		if err != nil {
			return nil, err
		}
		end, err := p.integer("end")
		if err != nil {
			return nil, err
		}
		messages, err := b.GetMessagesSorted(ctx, id, path, start, end)
		if err != nil {
			return nil, err
		}
		return messagesWire(messages), nil

	case "modify_flags":
		path, err := p.str("mailbox_path")
		if err != nil {
			return nil, err
		}
		uid, err := p.uid("message_uid")
		if err != nil {
			return nil, err
		}
		flags, err := p.str("flags")
		if err != nil {
			return nil, err
		}
		add, err := p.boolean("add")
		if err != nil {
			return nil, err
		}
		result, err := b.ModifyFlags(ctx, id, path, uid, strings.Split(flags, ","), add)
		if err != nil {
			return nil, err
		}
		return flagsWire{Flags: result}, nil

	case "move_message":
		path, err := p.str("mailbox_path")
		if err != nil {
			return nil, err
		}
		uid, err := p.uid("message_uid")
		if err != nil {
			return nil, err
		}
		dest, err := p.str("mailbox_path_dest")
		if err != nil {
			return nil, err
		}
		return nil, b.MoveMessage(ctx, id, path, uid, dest)
	}
	return nil, fmt.Errorf("%w: %q", errUnknownOp, op)
}

func login(ctx context.Context, b Backend, p params) (any, error) {
	username, err := p.str("username")
	if err != nil {
		return nil, err
	}
	address, err := p.str("address")
	if err != nil {
		return nil, err
	}
	port, err := p.integer("port")
	if err != nil {
		return nil, err
	}

	var id imapproxy.SessionID
	if token := p["access_token"]; token != "" {
		id, err = b.LoginOAuth2(ctx, username, token, address, port)
	} else {
		password, perr := p.str("password")
		if perr != nil {
			return nil, perr
		}
		id, err = b.Login(ctx, username, password, address, port)
	}
	if err != nil {
		return nil, err
	}
	return loginWire{SessionID: uint64(id)}, nil
}
