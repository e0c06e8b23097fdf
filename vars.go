package imapproxy

import (
	"strings"
	"time"
)

// String replacers for escaping/unescaping quoted IMAP strings
var (
	AddSlashes    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	RemoveSlashes = strings.NewReplacer(`\\`, `\`, `\"`, `"`)
)

// Verbose outputs every command and its response with the IMAP server
var Verbose = false

// SkipResponses skips printing server responses in verbose mode
var SkipResponses = false

// RetryCount is how many times establishing a TCP/TLS connection is retried.
// Authentication and IMAP commands are never retried by it.
var RetryCount = 2

// DialTimeout defines how long to wait when establishing a new connection.
// Zero falls back to DefaultDialTimeout.
var DialTimeout time.Duration

// CommandTimeout defines how long to wait for a command to complete.
// Zero falls back to DefaultCommandTimeout.
var CommandTimeout time.Duration

// TLSSkipVerify disables certificate verification when establishing new
// connections. Use with caution; skipping verification exposes the
// connection to man-in-the-middle attacks.
var TLSSkipVerify bool

// SyncBatchSize is how many new messages UpdateMailbox fetches per UID FETCH.
var SyncBatchSize = 50

const (
	DefaultDialTimeout    = 15 * time.Second
	DefaultCommandTimeout = 30 * time.Second
)

func dialTimeout() time.Duration {
	if DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return DialTimeout
}

func commandTimeout() time.Duration {
	if CommandTimeout <= 0 {
		return DefaultCommandTimeout
	}
	return CommandTimeout
}

func syncBatchSize() int {
	if SyncBatchSize <= 0 {
		return 50
	}
	return SyncBatchSize
}
