package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Message is a single outgoing email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Transport delivers messages to an SMTP server.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) (messageID string, err error)
	Close() error
}

// ServerConfig addresses an SMTP server.
type ServerConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	ConnectTimeout  time.Duration
	GreetingTimeout time.Duration
	SocketTimeout   time.Duration
}

func (c ServerConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) auth() smtp.Auth {
	if c.Username == "" || c.Password == "" {
		return nil
	}
	return smtp.PlainAuth("", c.Username, c.Password, c.Host)
}

// DirectTransport opens one connection per message. It is used for the mail catcher in mock mode.
type DirectTransport struct {
	config ServerConfig
}

// NewDirectTransport creates a connection-per-message transport.
func NewDirectTransport(config ServerConfig) *DirectTransport {
	return &DirectTransport{config: config}
}

// Name implements Transport.
func (t *DirectTransport) Name() string { return "smtp-mock" }

// Send implements Transport.
func (t *DirectTransport) Send(ctx context.Context, msg Message) (string, error) {
	c, err := dial(ctx, t.config)
	if err != nil {
		return "", err
	}
	defer func() { _ = c.Close() }()

	id := newMessageID(msg.From)
	if err := c.send(ctx, t.config, msg, id); err != nil {
		return "", mapSMTPError("smtp-mock", err)
	}
	_ = c.client.Quit()
	return id, nil
}

// Close implements Transport.
func (t *DirectTransport) Close() error { return nil }

// PoolConfig configures the pooled transport.
type PoolConfig struct {
	ServerConfig
	MaxConnections int
	MaxMessages    int
	RatePerSecond  float64
}

// PoolTransport reuses up to MaxConnections authenticated connections,
// recycles each after MaxMessages messages and paces sends to RatePerSecond.
type PoolTransport struct {
	config  PoolConfig
	limiter *rate.Limiter
	slots   chan struct{}
	idle    chan *conn

	mu     sync.Mutex
	closed bool
}

// NewPoolTransport creates a pooled transport. Connections are opened lazily.
func NewPoolTransport(config PoolConfig) *PoolTransport {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 5
	}
	if config.MaxMessages <= 0 {
		config.MaxMessages = 100
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 10
	}
	return &PoolTransport{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), 1),
		slots:   make(chan struct{}, config.MaxConnections),
		idle:    make(chan *conn, config.MaxConnections),
	}
}

// Name implements Transport.
func (t *PoolTransport) Name() string { return "smtp" }

// Send implements Transport.
func (t *PoolTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", &notifications.NetworkError{Op: "smtp rate wait", Err: err}
	}

	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return "", &notifications.NetworkError{Op: "smtp acquire", Err: ctx.Err()}
	}
	defer func() { <-t.slots }()

	c, err := t.get(ctx)
	if err != nil {
		return "", err
	}

	id := newMessageID(msg.From)
	if err := c.send(ctx, t.config.ServerConfig, msg, id); err != nil {
		_ = c.Close()
		return "", mapSMTPError("smtp", err)
	}

	c.sent++
	t.put(c)
	return id, nil
}

// Close closes idle connections and rejects further sends.
func (t *PoolTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	for {
		select {
		case c := <-t.idle:
			_ = c.client.Quit()
			_ = c.Close()
		default:
			return nil
		}
	}
}

func (t *PoolTransport) get(ctx context.Context) (*conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, &notifications.ConfigurationError{Message: "smtp transport closed"}
	}

	for {
		select {
		case c := <-t.idle:
			_ = c.conn.SetDeadline(time.Now().Add(t.config.GreetingTimeout))
			if err := c.client.Noop(); err != nil {
				_ = c.Close()
				continue
			}
			return c, nil
		default:
			return dial(ctx, t.config.ServerConfig)
		}
	}
}

func (t *PoolTransport) put(c *conn) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed || c.sent >= t.config.MaxMessages {
		_ = c.client.Quit()
		_ = c.Close()
		return
	}

	select {
	case t.idle <- c:
	default:
		_ = c.client.Quit()
		_ = c.Close()
	}
}

type conn struct {
	conn   net.Conn
	client *smtp.Client
	sent   int
}

// Close closes the client and its network connection.
func (c *conn) Close() error {
	return c.client.Close()
}

// dial connects, reads the greeting, upgrades to TLS when offered and authenticates.
func dial(ctx context.Context, cfg ServerConfig) (*conn, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, &notifications.NetworkError{Op: "dial smtp", Err: err}
	}

	if cfg.GreetingTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(cfg.GreetingTimeout))
	}

	client, err := smtp.NewClient(nc, cfg.Host)
	if err != nil {
		_ = nc.Close()
		return nil, &notifications.NetworkError{Op: "smtp greeting", Err: err}
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, &notifications.NetworkError{Op: "starttls", Err: err}
		}
	}

	if auth := cfg.auth(); auth != nil {
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, mapSMTPError("smtp", fmt.Errorf("auth: %w", err))
		}
	}

	return &conn{conn: nc, client: client}, nil
}

// send runs one MAIL/RCPT/DATA transaction. Cancelling ctx aborts blocked I/O.
func (c *conn) send(ctx context.Context, cfg ServerConfig, msg Message, id string) error {
	if cfg.SocketTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(cfg.SocketTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.client.Mail(extractEmail(msg.From)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.client.Rcpt(extractEmail(msg.To)); err != nil {
		_ = c.client.Reset()
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(buildMessage(msg, id)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return nil
}

// buildMessage constructs the email message with headers.
func buildMessage(msg Message, id string) []byte {
	var b strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))

	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func newMessageID(from string) string {
	host := "alarm-dispatch.local"
	if at := strings.LastIndex(extractEmail(from), "@"); at >= 0 {
		host = extractEmail(from)[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), host)
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// mapSMTPError maps SMTP replies onto the delivery taxonomy.
// 4xx replies are transient and 5xx replies are permanent rejections.
func mapSMTPError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		status := 422
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			status = 503
		}
		return &notifications.ProviderError{
			Provider: provider,
			Status:   status,
			Message:  fmt.Sprintf("%d %s", tpErr.Code, tpErr.Msg),
		}
	}

	return &notifications.NetworkError{Op: provider, Err: err}
}
