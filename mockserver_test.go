package imapproxy

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockMessage struct {
	uid      uint32
	flags    []string
	received time.Time
	subject  string
	from     string
	to       string
	raw      string
}

type mockMailbox struct {
	name        string
	uidValidity uint32
	uidNext     uint32
	messages    []*mockMessage
}

// mockIMAPServer is a small stateful IMAP server over TLS. Mailbox state is
// shared by all connections so tests can change it between operations.
type mockIMAPServer struct {
	listener     net.Listener
	address      string
	authAttempts int32

	mu        sync.Mutex
	users     map[string]string
	tokens    map[string]string
	mailboxes []*mockMailbox
	noMove    bool
	noUIDPlus bool
	noEcho    bool
	stalls    map[string]int
	delays    map[string]time.Duration
	commands  map[string]int
	conns     []net.Conn
}

func newMockIMAPServer(validUser, validPass string) (*mockIMAPServer, error) {
	// Generate a certificate for testing
	cert, err := generateSelfSignedCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %v", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	listener, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS listener: %v", err)
	}

	server := &mockIMAPServer{
		listener: listener,
		address:  listener.Addr().String(),
		users:    map[string]string{validUser: validPass},
		tokens:   make(map[string]string),
		stalls:   make(map[string]int),
		delays:   make(map[string]time.Duration),
		commands: make(map[string]int),
	}
	server.addMailbox("INBOX", 1)

	go server.serve()
	return server, nil
}

// newTestServer starts a mock server for "testuser"/"testpass" and points
// the package knobs at it for the duration of the test.
func newTestServer(t *testing.T) *mockIMAPServer {
	t.Helper()

	originalVerbose := Verbose
	originalRetryCount := RetryCount
	originalTLSSkipVerify := TLSSkipVerify
	originalCommandTimeout := CommandTimeout
	originalDialTimeout := DialTimeout

	Verbose = false
	RetryCount = 0
	TLSSkipVerify = true
	CommandTimeout = 2 * time.Second
	DialTimeout = 2 * time.Second

	server, err := newMockIMAPServer("testuser", "testpass")
	if err != nil {
		t.Fatalf("Failed to create mock server: %v", err)
	}

	t.Cleanup(func() {
		server.Close()
		Verbose = originalVerbose
		RetryCount = originalRetryCount
		TLSSkipVerify = originalTLSSkipVerify
		CommandTimeout = originalCommandTimeout
		DialTimeout = originalDialTimeout
	})
	return server
}

func (s *mockIMAPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *mockIMAPServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	// Send greeting
	writer.WriteString("* OK IMAP4rev1 Mock Server Ready\r\n")
	writer.Flush()

	var selected string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		tag, rest, _ := strings.Cut(line, " ")
		command, args, _ := strings.Cut(rest, " ")
		command = strings.ToUpper(command)
		if command == "UID" {
			var sub string
			sub, args, _ = strings.Cut(args, " ")
			command = "UID " + strings.ToUpper(sub)
		}

		stall, delay := s.record(command)
		if stall {
			continue
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		s.mu.Lock()
		logout := s.handleCommand(writer, reader, tag, command, args, &selected)
		s.mu.Unlock()
		writer.Flush()
		if logout {
			return
		}
	}
}

// record counts command and reports whether it should go unanswered or be
// answered late.
func (s *mockIMAPServer) record(command string) (stall bool, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[command]++
	if s.stalls[command] > 0 {
		s.stalls[command]--
		return true, 0
	}
	delay = s.delays[command]
	delete(s.delays, command)
	return false, delay
}

func (s *mockIMAPServer) handleCommand(w *bufio.Writer, r *bufio.Reader, tag, command, args string, selected *string) (logout bool) {
	ok := func(text string) { fmt.Fprintf(w, "%s OK %s\r\n", tag, text) }
	no := func(text string) { fmt.Fprintf(w, "%s NO %s\r\n", tag, text) }
	bad := func(text string) { fmt.Fprintf(w, "%s BAD %s\r\n", tag, text) }
	argv := splitMockArgs(args)

	switch command {
	case "LOGIN":
		atomic.AddInt32(&s.authAttempts, 1)
		if len(argv) != 2 {
			bad("Invalid LOGIN command")
			return false
		}
		if pass, found := s.users[argv[0]]; found && pass == argv[1] {
			ok("LOGIN completed")
		} else {
			no("[AUTHENTICATIONFAILED] Authentication failed")
		}

	case "AUTHENTICATE":
		atomic.AddInt32(&s.authAttempts, 1)
		if len(argv) != 2 || !strings.EqualFold(argv[0], "XOAUTH2") {
			bad("unsupported mechanism")
			return false
		}
		raw, _ := base64.StdEncoding.DecodeString(argv[1])
		user, token := parseXOAuth2(string(raw))
		if want, found := s.tokens[user]; found && want == token {
			ok("AUTHENTICATE completed")
			return false
		}
		// failed XOAUTH2: error challenge, wait for the empty response
		fmt.Fprintf(w, "+ %s\r\n", base64.StdEncoding.EncodeToString([]byte(`{"status":"401"}`)))
		w.Flush()
		_, _ = r.ReadString('\n')
		no("[AUTHENTICATIONFAILED] Invalid credentials")

	case "CAPABILITY":
		caps := "IMAP4rev1 AUTH=XOAUTH2"
		if !s.noMove {
			caps += " MOVE"
		}
		if !s.noUIDPlus {
			caps += " UIDPLUS"
		}
		fmt.Fprintf(w, "* CAPABILITY %s\r\n", caps)
		ok("CAPABILITY completed")

	case "LIST":
		for _, mb := range s.mailboxes {
			fmt.Fprintf(w, "* LIST (\\HasNoChildren) \"/\" %s\r\n", mockQuote(mb.name))
		}
		ok("LIST completed")

	case "SELECT":
		mb := s.mailbox(firstArg(argv))
		if mb == nil {
			*selected = ""
			no("[NONEXISTENT] Mailbox doesn't exist")
			return false
		}
		*selected = mb.name
		fmt.Fprintf(w, "* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)\r\n")
		fmt.Fprintf(w, "* %d EXISTS\r\n", len(mb.messages))
		fmt.Fprintf(w, "* 0 RECENT\r\n")
		fmt.Fprintf(w, "* OK [UIDVALIDITY %d] UIDs valid\r\n", mb.uidValidity)
		fmt.Fprintf(w, "* OK [UIDNEXT %d] Predicted next UID\r\n", mb.uidNext)
		ok("[READ-WRITE] SELECT completed")

	case "UID FETCH":
		mb := s.mailbox(*selected)
		if mb == nil || len(argv) < 2 {
			bad("No mailbox selected")
			return false
		}
		full := strings.Contains(strings.ToUpper(args), "BODY.PEEK[]")
		for i, m := range mb.messages {
			if !inMockSet(argv[0], m.uid, mb.maxUID()) {
				continue
			}
			if full {
				fmt.Fprintf(w, "* %d FETCH (UID %d FLAGS (%s) INTERNALDATE %q RFC822.SIZE %d ENVELOPE %s BODY[] {%d}\r\n%s)\r\n",
					i+1, m.uid, strings.Join(m.flags, " "), m.received.Format(TimeFormat), len(m.raw), m.envelope(), len(m.raw), m.raw)
			} else {
				fmt.Fprintf(w, "* %d FETCH (UID %d FLAGS (%s))\r\n", i+1, m.uid, strings.Join(m.flags, " "))
			}
		}
		ok("UID FETCH completed")

	case "UID STORE":
		mb := s.mailbox(*selected)
		if mb == nil || len(argv) < 3 {
			bad("No mailbox selected")
			return false
		}
		uid, _ := strconv.ParseUint(argv[0], 10, 32)
		op := strings.ToUpper(argv[1])
		flags := strings.Fields(strings.Trim(argv[2], "()"))
		for i, m := range mb.messages {
			if m.uid != uint32(uid) {
				continue
			}
			for _, f := range flags {
				has := slices.Contains(m.flags, f)
				switch {
				case strings.HasPrefix(op, "+") && !has:
					m.flags = append(m.flags, f)
				case strings.HasPrefix(op, "-") && has:
					m.flags = slices.DeleteFunc(m.flags, func(x string) bool { return x == f })
				}
			}
			if !strings.HasSuffix(op, ".SILENT") && !s.noEcho {
				fmt.Fprintf(w, "* %d FETCH (FLAGS (%s) UID %d)\r\n", i+1, strings.Join(m.flags, " "), m.uid)
			}
		}
		ok("UID STORE completed")

	case "UID MOVE", "UID COPY":
		if command == "UID MOVE" && s.noMove {
			bad("Unknown command")
			return false
		}
		mb := s.mailbox(*selected)
		if mb == nil || len(argv) < 2 {
			bad("No mailbox selected")
			return false
		}
		dest := s.mailbox(argv[1])
		if dest == nil {
			no("[TRYCREATE] Mailbox doesn't exist")
			return false
		}
		uid, _ := strconv.ParseUint(argv[0], 10, 32)
		for i, m := range mb.messages {
			if m.uid != uint32(uid) {
				continue
			}
			cp := *m
			cp.uid = dest.uidNext
			cp.flags = slices.Clone(m.flags)
			dest.uidNext++
			dest.messages = append(dest.messages, &cp)
			if command == "UID MOVE" {
				mb.messages = slices.Delete(mb.messages, i, i+1)
				fmt.Fprintf(w, "* %d EXPUNGE\r\n", i+1)
			}
			break
		}
		ok(command + " completed")

	case "UID EXPUNGE", "EXPUNGE":
		mb := s.mailbox(*selected)
		if mb == nil {
			bad("No mailbox selected")
			return false
		}
		for i := len(mb.messages) - 1; i >= 0; i-- {
			m := mb.messages[i]
			if !slices.Contains(m.flags, `\Deleted`) {
				continue
			}
			if command == "UID EXPUNGE" && !inMockSet(firstArg(argv), m.uid, mb.maxUID()) {
				continue
			}
			mb.messages = slices.Delete(mb.messages, i, i+1)
			fmt.Fprintf(w, "* %d EXPUNGE\r\n", i+1)
		}
		ok(command + " completed")

	case "NOOP":
		ok("NOOP completed")

	case "LOGOUT":
		fmt.Fprintf(w, "* BYE IMAP4rev1 Server logging out\r\n")
		ok("LOGOUT completed")
		return true

	default:
		bad("Unknown command")
	}
	return false
}

func (s *mockIMAPServer) mailbox(name string) *mockMailbox {
	for _, mb := range s.mailboxes {
		if mb.name == name {
			return mb
		}
	}
	return nil
}

func (mb *mockMailbox) maxUID() uint32 {
	if len(mb.messages) == 0 {
		return 0
	}
	return mb.messages[len(mb.messages)-1].uid
}

func (s *mockIMAPServer) addMailbox(name string, uidValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes = append(s.mailboxes, &mockMailbox{name: name, uidValidity: uidValidity, uidNext: 1})
}

// addMessage appends a message to mailbox and returns its UID.
func (s *mockIMAPServer) addMessage(mailbox, subject string, received time.Time, flags ...string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailbox(mailbox)
	m := &mockMessage{
		uid:      mb.uidNext,
		flags:    flags,
		received: received,
		subject:  subject,
		from:     "alice@example.com",
		to:       "testuser@example.com",
	}
	m.raw = "From: Alice <alice@example.com>\r\n" +
		"To: testuser@example.com\r\n" +
		"Delivered-To: testuser@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + received.Format(time.RFC1123Z) + "\r\n" +
		"Message-ID: <" + strconv.Itoa(int(m.uid)) + "@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n"
	mb.uidNext++
	mb.messages = append(mb.messages, m)
	return m.uid
}

// expunge removes a message behind the client's back.
func (s *mockIMAPServer) expunge(mailbox string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailbox(mailbox)
	mb.messages = slices.DeleteFunc(mb.messages, func(m *mockMessage) bool { return m.uid == uid })
}

// setFlags replaces a message's flags behind the client's back.
func (s *mockIMAPServer) setFlags(mailbox string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailbox(mailbox).messages {
		if m.uid == uid {
			m.flags = flags
		}
	}
}

// renumber changes UIDVALIDITY and reassigns every UID, as a server does
// after rebuilding a mailbox.
func (s *mockIMAPServer) renumber(mailbox string, uidValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.mailbox(mailbox)
	mb.uidValidity = uidValidity
	mb.uidNext = 1
	for _, m := range mb.messages {
		m.uid = mb.uidNext + 100
		mb.uidNext++
	}
	mb.uidNext += 100
}

func (s *mockIMAPServer) stallNext(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls[command]++
}

// delayNext answers the next command late by d.
func (s *mockIMAPServer) delayNext(command string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[command] = d
}

// disableStoreEcho makes UID STORE complete without untagged FETCH FLAGS.
func (s *mockIMAPServer) disableStoreEcho() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noEcho = true
}

func (s *mockIMAPServer) count(command string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[command]
}

func (s *mockIMAPServer) messageFlags(mailbox string, uid uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailbox(mailbox).messages {
		if m.uid == uid {
			return slices.Clone(m.flags)
		}
	}
	return nil
}

func (s *mockIMAPServer) messageCount(mailbox string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailbox(mailbox).messages)
}

func (s *mockIMAPServer) GetAuthAttempts() int {
	return int(atomic.LoadInt32(&s.authAttempts))
}

func (s *mockIMAPServer) ResetAuthAttempts() {
	atomic.StoreInt32(&s.authAttempts, 0)
}

func (s *mockIMAPServer) Close() {
	s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *mockIMAPServer) GetHost() string {
	host, _, _ := net.SplitHostPort(s.address)
	return host
}

func (s *mockIMAPServer) GetPort() int {
	_, portStr, _ := net.SplitHostPort(s.address)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func (m *mockMessage) envelope() string {
	addr := func(email string) string {
		mailbox, host, _ := strings.Cut(email, "@")
		return fmt.Sprintf("((NIL NIL %s %s))", mockQuote(mailbox), mockQuote(host))
	}
	return fmt.Sprintf("(%s %s %s %s %s %s NIL NIL NIL %s)",
		mockQuote(m.received.Format(time.RFC1123Z)),
		mockQuote(m.subject),
		addr(m.from), addr(m.from), addr(m.from), addr(m.to),
		mockQuote("<"+strconv.Itoa(int(m.uid))+"@example.com>"))
}

func mockQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// splitMockArgs splits command arguments into atoms, unquoted strings and
// parenthesized lists (kept with their parentheses).
func splitMockArgs(s string) []string {
	var args []string
	for i := 0; i < len(s); {
		switch s[i] {
		case ' ':
			i++
		case '"':
			var b strings.Builder
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
				i++
			}
			i++
			args = append(args, b.String())
		case '(':
			j := strings.IndexByte(s[i:], ')')
			if j == -1 {
				j = len(s) - i - 1
			}
			args = append(args, s[i:i+j+1])
			i += j + 1
		default:
			j := strings.IndexByte(s[i:], ' ')
			if j == -1 {
				j = len(s) - i
			}
			args = append(args, s[i:i+j])
			i += j
		}
	}
	return args
}

func firstArg(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}

// inMockSet reports whether uid is in an IMAP sequence set such as "1:3,7,9:*".
func inMockSet(set string, uid, max uint32) bool {
	num := func(s string) uint32 {
		if s == "*" {
			return max
		}
		n, _ := strconv.ParseUint(s, 10, 32)
		return uint32(n)
	}
	for _, part := range strings.Split(set, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		if !isRange {
			hi = lo
		}
		a, b := num(lo), num(hi)
		if a > b {
			a, b = b, a
		}
		if uid >= a && uid <= b {
			return true
		}
	}
	return false
}

func parseXOAuth2(s string) (user, token string) {
	for _, kv := range strings.Split(s, "\x01") {
		switch {
		case strings.HasPrefix(kv, "user="):
			user = strings.TrimPrefix(kv, "user=")
		case strings.HasPrefix(kv, "auth=Bearer "):
			token = strings.TrimPrefix(kv, "auth=Bearer ")
		}
	}
	return user, token
}

// generateSelfSignedCertificate generates a self-signed certificate for testing
func generateSelfSignedCertificate() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}

func (s *mockIMAPServer) addToken(user, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[user] = token
}

func (s *mockIMAPServer) disableMove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noMove = true
}
