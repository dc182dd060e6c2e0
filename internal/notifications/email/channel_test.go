package email

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/bissquit/alarm-dispatch/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smtpServer is a minimal SMTP server that records delivered messages.
type smtpServer struct {
	ln       net.Listener
	mu       sync.Mutex
	messages []string
	sessions int
}

func startSMTPServer(t *testing.T) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &smtpServer{ln: ln}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *smtpServer) config() ServerConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return ServerConfig{
		Host:            "127.0.0.1",
		Port:            addr.Port,
		ConnectTimeout:  time.Second,
		GreetingTimeout: time.Second,
		SocketTimeout:   2 * time.Second,
	}
}

func (s *smtpServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *smtpServer) handle(c net.Conn) {
	defer func() { _ = c.Close() }()
	r := bufio.NewReader(c)
	write := func(line string) { _, _ = fmt.Fprintf(c, "%s\r\n", line) }

	write("220 localhost ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			write("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM"), strings.HasPrefix(cmd, "NOOP"), strings.HasPrefix(cmd, "RSET"):
			write("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			switch {
			case strings.Contains(cmd, "BOUNCE@"):
				write("550 mailbox not found")
			case strings.Contains(cmd, "BUSY@"):
				write("451 try again later")
			default:
				write("250 OK")
			}
		case cmd == "DATA":
			write("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.messages = append(s.messages, b.String())
			s.mu.Unlock()
			write("250 queued")
		case cmd == "QUIT":
			write("221 bye")
			return
		default:
			write("502 not implemented")
		}
	}
}

func (s *smtpServer) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *smtpServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

type mockState bool

func (m mockState) IsMockMode(context.Context, domain.ChannelType) bool { return bool(m) }

type recordingTransport struct {
	name string
	mu   sync.Mutex
	to   []string
	err  error
}

func (r *recordingTransport) Name() string { return r.name }

func (r *recordingTransport) Send(_ context.Context, msg Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.to = append(r.to, msg.To)
	return "<id-" + strconv.Itoa(len(r.to)) + "@test>", nil
}

func (r *recordingTransport) Close() error { return nil }

var alarm = domain.Alarm{ID: "a-1", IMEI: "356938035643809", Status: "sos"}

func TestDirectTransport_Send(t *testing.T) {
	srv := startSMTPServer(t)
	tr := NewDirectTransport(srv.config())

	id, err := tr.Send(context.Background(), Message{
		From:    "Alarms <alarms@fleet.example>",
		To:      "ops@example.com",
		Subject: "SOS",
		Body:    "line one\nline two",
	})

	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@fleet.example>"))
	msgs := srv.delivered()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "To: ops@example.com\r\n")
	assert.Contains(t, msgs[0], "Subject: SOS\r\n")
	assert.Contains(t, msgs[0], "line one\r\nline two")
}

func TestTransport_ErrorMapping(t *testing.T) {
	srv := startSMTPServer(t)
	tr := NewDirectTransport(srv.config())
	ctx := context.Background()

	_, err := tr.Send(ctx, Message{From: "a@x.org", To: "bounce@example.com"})
	var provErr *notifications.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.False(t, provErr.IsRetryable())

	_, err = tr.Send(ctx, Message{From: "a@x.org", To: "busy@example.com"})
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusServiceUnavailable, provErr.Status)
	assert.True(t, provErr.IsRetryable())

	dead := NewDirectTransport(ServerConfig{Host: "127.0.0.1", Port: 1, ConnectTimeout: time.Second})
	_, err = dead.Send(ctx, Message{From: "a@x.org", To: "ops@example.com"})
	var netErr *notifications.NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestPoolTransport_ReusesAndRecyclesConnections(t *testing.T) {
	srv := startSMTPServer(t)
	tr := NewPoolTransport(PoolConfig{
		ServerConfig:   srv.config(),
		MaxConnections: 1,
		MaxMessages:    2,
		RatePerSecond:  1000,
	})
	defer func() { _ = tr.Close() }()

	for i := 0; i < 5; i++ {
		_, err := tr.Send(context.Background(), Message{From: "a@x.org", To: "ops@example.com", Body: "x"})
		require.NoError(t, err)
	}

	assert.Len(t, srv.delivered(), 5)
	assert.Equal(t, 3, srv.sessionCount())
}

func TestPoolTransport_ClosedRejects(t *testing.T) {
	tr := NewPoolTransport(PoolConfig{RatePerSecond: 1000})
	require.NoError(t, tr.Close())

	_, err := tr.Send(context.Background(), Message{From: "a@x.org", To: "ops@example.com"})
	var cfgErr *notifications.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage(Message{
		From:    "Alarms <noreply@example.com>",
		To:      "ops@example.com",
		Subject: "Line\r\nInjected: yes",
		Body:    "Test body content",
	}, "<id@example.com>"))

	assert.Contains(t, msg, "From: Alarms <noreply@example.com>\r\n")
	assert.Contains(t, msg, "Subject: Line  Injected: yes\r\n")
	assert.Contains(t, msg, "Message-ID: <id@example.com>\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=\"utf-8\"\r\n")
	assert.Contains(t, msg, "\r\n\r\nTest body content")
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"user@example.com", "user@example.com"},
		{"Test User <user@example.com>", "user@example.com"},
		{"<user@example.com>", "user@example.com"},
		{"invalid<", "invalid<"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractEmail(tt.input))
		})
	}
}

func TestChannel_Initialize(t *testing.T) {
	t.Run("mock only without relay", func(t *testing.T) {
		c := New(Config{FromAddress: "a@x.org"}, notifications.PipelineDeps{}, nil, nil)
		assert.False(t, c.Ready())

		require.NoError(t, c.Initialize(context.Background()))
		require.NoError(t, c.Initialize(context.Background()))

		assert.True(t, c.Ready())
		assert.Nil(t, c.real)
		assert.Equal(t, "smtp-mock", c.transport(context.Background()).Name())
	})

	t.Run("relay selected unless mock mode", func(t *testing.T) {
		cfg := Config{FromAddress: "a@x.org", Real: PoolConfig{ServerConfig: ServerConfig{Host: "smtp.example.com", Port: 587}}}

		c := New(cfg, notifications.PipelineDeps{}, mockState(false), nil)
		require.NoError(t, c.Initialize(context.Background()))
		assert.Equal(t, "smtp", c.transport(context.Background()).Name())

		c = New(cfg, notifications.PipelineDeps{}, mockState(true), nil)
		require.NoError(t, c.Initialize(context.Background()))
		assert.Equal(t, "smtp-mock", c.transport(context.Background()).Name())
	})
}

func TestChannel_ValidateRecipients(t *testing.T) {
	c := New(Config{}, notifications.PipelineDeps{}, nil, nil)

	valid, invalid := c.ValidateRecipients([]string{"ops@example.com", "not-an-email", "", "x@y.io"})

	assert.Equal(t, []string{"ops@example.com", "x@y.io"}, valid)
	assert.Equal(t, []string{"not-an-email", ""}, invalid)
}

func TestChannel_Send(t *testing.T) {
	mock := &recordingTransport{name: "smtp-mock"}
	c := New(Config{FromAddress: "a@x.org"}, notifications.PipelineDeps{}, nil, nil)
	c.mock = mock
	require.NoError(t, c.Initialize(context.Background()))

	res, err := c.Send(context.Background(), alarm, []string{"ops@example.com", "bad"})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "smtp-mock", res.Provider)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, []string{"ops@example.com"}, mock.to)
	assert.Len(t, res.Recipients, 2)
}

func TestChannel_DomainLimit(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	domains := ratelimit.NewDomainLimiter(store, ratelimit.Policy{Limit: 2, Window: time.Hour})
	flags := staticFlags{notifications.FlagRateLimiting: true}

	mock := &recordingTransport{name: "smtp-mock"}
	c := New(Config{FromAddress: "a@x.org"}, notifications.PipelineDeps{Flags: flags}, nil, domains)
	c.mock = mock
	require.NoError(t, c.Initialize(context.Background()))
	ctx := context.Background()

	_, err := c.Send(ctx, alarm, []string{"one@corp.example"})
	require.NoError(t, err)
	_, err = c.Send(ctx, alarm, []string{"two@corp.example"})
	require.NoError(t, err)

	_, err = c.Send(ctx, alarm, []string{"three@corp.example"})
	var rlErr *notifications.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "domain", rlErr.Scope)
	assert.Positive(t, rlErr.RetryAfter)
	assert.Len(t, mock.to, 2)

	// Failed sends do not consume domain quota.
	mock.err = errors.New("connection reset")
	_, err = c.Send(ctx, alarm, []string{"x@other.example"})
	require.Error(t, err)
	res, err := domains.Check(ctx, "y@other.example")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Count)
}

func TestChannel_DomainLimitWithinOneCall(t *testing.T) {
	domains := ratelimit.NewDomainLimiter(ratelimit.NewMemoryStore(), ratelimit.Policy{Limit: 2, Window: time.Hour})
	flags := staticFlags{notifications.FlagRateLimiting: true}

	mock := &recordingTransport{name: "smtp-mock"}
	c := New(Config{FromAddress: "a@x.org"}, notifications.PipelineDeps{Flags: flags}, nil, domains)
	c.mock = mock
	require.NoError(t, c.Initialize(context.Background()))

	_, err := c.Send(context.Background(), alarm, []string{"one@corp.example", "two@corp.example", "three@corp.example"})

	var rlErr *notifications.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "three@corp.example", rlErr.Recipient)
	assert.Empty(t, mock.to)

	res, err := c.Send(context.Background(), alarm, []string{"one@corp.example", "ops@other.example", "two@CORP.example"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded())
}

type staticFlags map[string]bool

func (f staticFlags) IsEnabled(_ context.Context, name string) bool { return f[name] }
