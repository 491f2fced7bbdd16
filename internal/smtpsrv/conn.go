package smtpsrv

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/ivarela/postilion/internal/disposition"
	"github.com/ivarela/postilion/internal/envelope"
	"github.com/ivarela/postilion/internal/hooks"
	"github.com/ivarela/postilion/internal/message"
	"github.com/ivarela/postilion/internal/metrics"
	"github.com/ivarela/postilion/internal/queue"
	"github.com/ivarela/postilion/internal/rfc5321"
	"github.com/ivarela/postilion/internal/tlsconst"
	"github.com/ivarela/postilion/internal/trace"
)

var (
	// Messages with more Received headers than this are rejected as loops.
	maxReceivedHeaders = 50
)

// SocketMode represents the mode for a socket (listening or connection).
// We keep them distinct, as policies can differ between them.
type SocketMode struct {
	// Is this mode submission?
	IsSubmission bool

	// Is this mode TLS-wrapped? That means that we don't use STARTTLS, the
	// connection is directly established over TLS (like HTTPS).
	TLS bool
}

func (mode SocketMode) String() string {
	s := "SMTP"
	if mode.IsSubmission {
		s = "submission"
	}
	if mode.TLS {
		s += "+TLS"
	}
	return s
}

// Valid socket modes.
var (
	ModeSMTP          = SocketMode{IsSubmission: false, TLS: false}
	ModeSubmission    = SocketMode{IsSubmission: true, TLS: false}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
)

// Conn represents an incoming SMTP connection.
type Conn struct {
	// Main hostname, used for display only.
	hostname string

	// Maximum data size.
	maxDataSize int64

	// Connection information.
	conn         net.Conn
	mode         SocketMode
	tlsConnState *tls.ConnectionState
	remoteAddr   net.Addr

	// Reader and text writer, so we can control limits.
	reader *bufio.Reader
	writer *bufio.Writer

	// Tracer to use.
	tr *trace.Trace

	// TLS configuration.
	tlsConfig *tls.Config

	// Domain given at HELO/EHLO.
	ehloDomain string

	// Envelope.
	mailFrom       rfc5321.ReversePath
	mailFromParams []rfc5321.EsmtpParameter
	rcptTo         []rfc5321.ForwardPath
	data           []byte

	// Are we using TLS?
	onTLS bool

	// Have we used EHLO?
	isESMTP bool

	// When we should close this connection, no matter what.
	deadline time.Time

	// Time we wait for command round-trips (excluding DATA).
	commandTimeout time.Duration

	// Hook table and queue manager, taken from the server at creation time.
	hooks *hooks.Table
	mgr   *queue.Manager
	disp  *disposition.Logger
}

// Close the connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// Handle implements the main protocol loop (reading commands, sending
// replies).
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("Connected, mode: %s", c.mode)

	c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}

		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		if name := c.tlsConnState.ServerName; name != "" {
			c.hostname = name
		}
	}

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.remoteAddr = c.conn.RemoteAddr()

	c.printfLine("220 %s ESMTP postilion", c.hostname)

	var cmd, params string
	var err error
	var errCount int

loop:
	for {
		if time.Since(c.deadline) > 0 {
			err = fmt.Errorf("connection deadline exceeded")
			c.tr.Error(err)
			break
		}

		c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

		cmd, params, err = c.readCommand()
		if err != nil {
			c.printfLine("554 error reading command: %v", err)
			break
		}
		c.tr.Debugf("-> %s %s", cmd, params)

		var code int
		var msg string

		switch cmd {
		case "HELO":
			code, msg = c.HELO(params)
		case "EHLO":
			code, msg = c.EHLO(params)
		case "HELP":
			code, msg = c.HELP(params)
		case "NOOP":
			code, msg = c.NOOP(params)
		case "RSET":
			code, msg = c.RSET(params)
		case "VRFY":
			code, msg = c.VRFY(params)
		case "EXPN":
			code, msg = c.EXPN(params)
		case "MAIL":
			code, msg = c.MAIL(params)
		case "RCPT":
			code, msg = c.RCPT(params)
		case "DATA":
			code, msg = c.DATA(params)
		case "STARTTLS":
			code, msg = c.STARTTLS(params)
		case "QUIT":
			_ = c.writeResponse(221, "2.0.0 Be seeing you...")
			break loop
		case "GET", "POST", "CONNECT":
			// HTTP protocol detection, to prevent cross-protocol attacks
			// (e.g. https://alpaca-attack.com/).
			c.tr.Errorf("http command, closing connection")
			_ = c.writeResponse(502, "5.7.0 You hear someone cursing shoplifters")
			break loop
		default:
			cmd = fmt.Sprintf("unknown<%.6q>", cmd)
			code = 500
			msg = "5.5.1 Unknown command"
		}

		metrics.SMTPCommandsTotal.WithLabelValues(cmd).Inc()
		if code > 0 {
			c.tr.Debugf("<- %d  %s", code, msg)

			if code >= 400 {
				c.tr.Errorf("%s failed: %d  %s", cmd, code, msg)

				errCount++
				if errCount >= 3 {
					// https://tools.ietf.org/html/rfc5321#section-4.3.2
					c.tr.Errorf("too many errors, breaking connection")
					_ = c.writeResponse(421, "4.5.0 Too many errors, bye")
					break
				}
			}

			err = c.writeResponse(code, msg)
			if err != nil {
				break
			}
		}
	}

	if err != nil {
		if err == io.EOF {
			c.tr.Debugf("client closed the connection")
		} else {
			c.tr.Errorf("exiting with error: %v", err)
		}
	}
}

// HELO SMTP command handler.
func (c *Conn) HELO(params string) (code int, msg string) {
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "Invisible customers are not welcome!"
	}
	cmd, err := rfc5321.ParseCommand("HELO " + params)
	if err != nil {
		return 501, "5.5.4 " + err.Error()
	}
	c.ehloDomain = cmd.(rfc5321.HeloCommand).Domain.String()

	types := []string{
		"general store", "used armor dealership", "second-hand bookstore",
		"liquor emporium", "antique weapons outlet", "delicatessen",
		"jewelers", "quality apparel and accessories", "hardware",
		"rare books", "lighting store"}
	t := types[rand.Int()%len(types)]
	msg = fmt.Sprintf("Hello my friend, welcome to postilion's %s!", t)

	return 250, msg
}

// EHLO SMTP command handler.
func (c *Conn) EHLO(params string) (code int, msg string) {
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "Invisible customers are not welcome!"
	}
	cmd, err := rfc5321.ParseCommand("EHLO " + params)
	if err != nil {
		return 501, "5.5.4 " + err.Error()
	}
	c.ehloDomain = cmd.(rfc5321.EhloCommand).Domain.String()
	c.isESMTP = true

	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, c.hostname+" - Your hour of destiny has come.\n")
	fmt.Fprintf(buf, "8BITMIME\n")
	fmt.Fprintf(buf, "PIPELINING\n")
	fmt.Fprintf(buf, "SMTPUTF8\n")
	fmt.Fprintf(buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(buf, "SIZE %d\n", c.maxDataSize)
	if !c.onTLS {
		fmt.Fprintf(buf, "STARTTLS\n")
	}
	fmt.Fprintf(buf, "HELP\n")
	return 250, buf.String()
}

// HELP SMTP command handler.
func (c *Conn) HELP(params string) (code int, msg string) {
	return 214, "2.0.0 Hoy por ti, mañana por mi"
}

// RSET SMTP command handler.
func (c *Conn) RSET(params string) (code int, msg string) {
	c.resetEnvelope()

	msgs := []string{
		"Who was that Maud person anyway?",
		"Thinking of Maud you forget everything else.",
		"Your mind releases itself from mundane concerns.",
		"As your mind turns inward on itself, you forget everything else.",
	}
	return 250, "2.0.0 " + msgs[rand.Int()%len(msgs)]
}

// VRFY SMTP command handler.
func (c *Conn) VRFY(params string) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, "5.5.1 You have a strange feeling for a moment, then it passes."
}

// EXPN SMTP command handler.
func (c *Conn) EXPN(params string) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, "5.5.1 You feel disoriented for a moment."
}

// NOOP SMTP command handler.
func (c *Conn) NOOP(params string) (code int, msg string) {
	return 250, "2.0.0 You hear a faint typing noise."
}

// MAIL SMTP command handler.
func (c *Conn) MAIL(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Unknown command"
	}

	if c.mailFrom != nil {
		return 503, "5.5.1 Sender already given, send RSET first"
	}

	cmd, err := rfc5321.ParseCommand("MAIL " + params)
	if err != nil {
		return 501, "5.5.4 " + err.Error()
	}
	mf := cmd.(rfc5321.MailFromCommand)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.hooks.CallMailFrom(ctx, c.remoteAddr.String(), c.ehloDomain, mf.Address, mf.Parameters); err != nil {
		c.disp.Log(disposition.Record{
			Type: disposition.Rejected, RemoteAddr: c.remoteAddr.String(),
			Content: err.Error(),
		})
		return 550, "5.7.1 " + err.Error()
	}

	c.mailFrom = mf.Address
	c.mailFromParams = mf.Parameters
	return 250, "2.1.5 You feel like you are being watched"
}

// RCPT SMTP command handler.
func (c *Conn) RCPT(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Unknown command"
	}

	if c.mailFrom == nil {
		return 503, "5.5.1 Sender not yet given"
	}

	if len(c.rcptTo) > 100 {
		// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.8
		return 452, "4.5.3 Too many recipients"
	}

	cmd, err := rfc5321.ParseCommand("RCPT " + params)
	if err != nil {
		return 501, "5.5.4 " + err.Error()
	}
	rcpt := cmd.(rfc5321.RcptToCommand)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.hooks.CallRcptTo(ctx, c.mailFrom, rcpt.Address, rcpt.Parameters); err != nil {
		c.disp.Log(disposition.Record{
			Type: disposition.Rejected, RemoteAddr: c.remoteAddr.String(),
			From: reversePathString(c.mailFrom), To: forwardPathString(rcpt.Address),
			Content: err.Error(),
		})
		return 550, "5.1.1 " + err.Error()
	}

	c.rcptTo = append(c.rcptTo, rcpt.Address)
	return 250, "2.1.5 You have an eerie feeling..."
}

// DATA SMTP command handler.
func (c *Conn) DATA(params string) (code int, msg string) {
	if c.ehloDomain == "" {
		return 503, "5.5.1 Invisible customers are not welcome!"
	}
	if c.mailFrom == nil {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcptTo) == 0 {
		return 554, "5.5.1 no valid recipients"
	}

	if err := c.writeResponse(354, "You suddenly realize it is unnaturally quiet"); err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing DATA response: %v", err)
	}
	c.tr.Debugf("<- 354  You experience a strange sense of peace")

	if c.onTLS {
		metrics.TLSResultTotal.WithLabelValues("tls").Inc()
	} else {
		metrics.TLSResultTotal.WithLabelValues("plain").Inc()
	}

	// Increase the deadline for the data transfer to the connection-level
	// one, we don't want the command timeout to interfere.
	c.conn.SetDeadline(c.deadline)

	var err error
	c.data, err = readUntilDot(c.reader, c.maxDataSize)
	if err != nil {
		if err == message.ErrDataTooLarge {
			return 552, "5.3.4 Message too big"
		}
		return 554, fmt.Sprintf("5.4.0 Error reading DATA: %v", err)
	}
	c.tr.Debugf("-> ... %d bytes of data", len(c.data))

	if err := checkData(c.data); err != nil {
		c.disp.Log(disposition.Record{
			Type: disposition.Rejected, RemoteAddr: c.remoteAddr.String(),
			From: reversePathString(c.mailFrom), Content: err.Error(),
		})
		return 554, err.Error()
	}

	c.addReceivedHeader()

	rcpts := make([]string, len(c.rcptTo))
	for i, r := range c.rcptTo {
		rcpts[i] = forwardPathString(r)
	}
	m := message.New(reversePathString(c.mailFrom), rcpts, c.data)
	m.RemoteAddr = c.remoteAddr.String()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()
	if err := c.hooks.CallMessageReceived(ctx, m); err != nil {
		c.disp.Log(disposition.Record{
			Type: disposition.Rejected, SpoolId: m.SpoolId,
			From: m.From, Content: err.Error(),
		})
		return 451, "4.3.0 " + err.Error()
	}

	if err := c.mgr.Enqueue(ctx, m); err != nil {
		return 451, fmt.Sprintf("4.3.0 Failed to queue message: %v", err)
	}

	c.tr.Printf("Queued from %s to %s - %s", m.From, rcpts, m.SpoolId)

	// It is very important that we reset the envelope before returning, so
	// clients can send other emails right away without needing to RSET.
	c.resetEnvelope()

	msgs := []string{
		"You offer the Amulet of Yendor to Anhur...",
		"An invisible choir sings, and you are bathed in radiance...",
		"The voice of Anhur booms out: Congratulations, mortal!",
		"In return to thy service, I grant thee the gift of Immortality!",
		"You ascend to the status of Demigod(dess)...",
	}
	return 250, "2.0.0 " + msgs[rand.Int()%len(msgs)]
}

func (c *Conn) addReceivedHeader() {
	var v string

	// https://tools.ietf.org/html/rfc5321#section-4.4
	v += fmt.Sprintf("from [%s] (%s)\n", addrLiteral(c.remoteAddr), c.ehloDomain)
	v += fmt.Sprintf("by %s (postilion) ", c.hostname)

	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.onTLS {
		with += "S"
	}
	v += fmt.Sprintf("with %s\n", with)

	if c.tlsConnState != nil {
		v += fmt.Sprintf("tls %s\n", tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	v += fmt.Sprintf("(over %s, ", c.mode)
	if c.tlsConnState != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(c.tlsConnState.Version))
	} else {
		v += "plain text!, "
	}

	// Note we must NOT include c.rcptTo, that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", reversePathString(c.mailFrom))
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))
	c.data = envelope.AddHeader(c.data, "Received", v)
}

// addrLiteral converts a net.Addr (must be TCP) into a string for use as
// address literal, compliant with
// https://tools.ietf.org/html/rfc5321#section-4.1.3.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}

	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

// checkData performs very basic checks on the body of the email, to help
// detect very broad problems like email loops.
func checkData(data []byte) error {
	msg, err := mail.ReadMessage(bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("5.6.0 Error parsing message: %v", err)
	}

	// https://tools.ietf.org/html/rfc5321#section-6.3
	if len(msg.Header["Received"]) > maxReceivedHeaders {
		return fmt.Errorf("5.4.6 Loop detected (%d hops)", maxReceivedHeaders)
	}

	return nil
}

func mailboxString(mb rfc5321.Mailbox) string {
	return mb.LocalPart + "@" + mb.Domain.String()
}

func reversePathString(rp rfc5321.ReversePath) string {
	switch v := rp.(type) {
	case rfc5321.NullSenderReversePath:
		return ""
	case rfc5321.PathReversePath:
		return mailboxString(v.Path.Mailbox)
	}
	return ""
}

func forwardPathString(fp rfc5321.ForwardPath) string {
	switch v := fp.(type) {
	case rfc5321.PostmasterForwardPath:
		return "postmaster"
	case rfc5321.PathForwardPath:
		return mailboxString(v.Path.Mailbox)
	}
	return ""
}

func (c *Conn) resetEnvelope() {
	c.mailFrom = nil
	c.mailFromParams = nil
	c.rcptTo = nil
	c.data = nil
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	msg, err := c.readLine()
	if err != nil {
		return "", "", err
	}

	sp := strings.SplitN(msg, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}

	return cmd, params, err
}

func (c *Conn) readLine() (line string, err error) {
	// The bufio reader's ReadLine will only read up to the buffer size, which
	// prevents DoS due to memory exhaustion on extremely long lines.
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}

	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.6
	if len(l) > 1000 || more {
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("line too long")
	}

	return string(l), nil
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()
	metrics.SMTPResponseCodeTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a multi-line response to the given writer. This is
// the writing version of textproto.Reader.ReadResponse().
func writeResponse(w io.Writer, code int, msg string) error {
	var i int
	lines := strings.Split(msg, "\n")

	for i = 0; i < len(lines)-2; i++ {
		if _, err := w.Write([]byte(fmt.Sprintf("%d-%s\r\n", code, lines[i]))); err != nil {
			return err
		}
	}

	_, err := w.Write([]byte(fmt.Sprintf("%d %s\r\n", code, lines[i])))
	return err
}

// STARTTLS SMTP command handler.
func (c *Conn) STARTTLS(params string) (code int, msg string) {
	if c.onTLS {
		return 503, "5.5.1 You are already wearing that!"
	}

	if err := c.writeResponse(220, "2.0.0 You experience a strange sense of peace"); err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing STARTTLS response: %v", err)
	}
	c.tr.Debugf("<- 220  You experience a strange sense of peace")

	server := tls.Server(c.conn, c.tlsConfig)
	if err := server.Handshake(); err != nil {
		return 554, fmt.Sprintf("5.5.0 Error in TLS handshake: %v", err)
	}
	c.tr.Debugf("<> ...  jump to TLS was successful")

	c.conn = server
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	cstate := server.ConnectionState()
	c.tlsConnState = &cstate

	// Clients must start over after switching to TLS.
	c.resetEnvelope()
	c.onTLS = true

	if name := c.tlsConnState.ServerName; name != "" {
		c.hostname = name
	}

	// 0 indicates not to send back a reply.
	return 0, ""
}
