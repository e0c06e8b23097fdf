// Package imapproxy keeps live IMAP connections on behalf of callers and
// exposes them as numbered sessions.
//
// It is built around a handful of pieces:
//
//   - Link: one TLS connection to one mail server for one identity, with
//     commands executed strictly one at a time
//   - Mailbox: a per-session snapshot of a mailbox (UIDs, flags, envelopes,
//     decoded bodies) kept in step with the server by UpdateMailbox
//   - Session and Manager: the session table, login/logout and idle reaping
//   - Proxy: the operations a transport front end calls (see package httpapi)
//
// Operations on one session run in arrival order on that session's worker;
// operations on different sessions never wait on each other.
package imapproxy
