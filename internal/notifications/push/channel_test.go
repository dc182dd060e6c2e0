package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	tokens  map[string][]domain.DeviceToken
	removed []string
	err     error
}

func (s *memoryStore) ListTokens(_ context.Context, userID string) ([]domain.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]domain.DeviceToken(nil), s.tokens[userID]...), nil
}

func (s *memoryStore) RemoveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, token)
	for user, list := range s.tokens {
		kept := list[:0]
		for _, t := range list {
			if t.DeviceToken != token {
				kept = append(kept, t)
			}
		}
		s.tokens[user] = kept
	}
	return nil
}

type scriptedProvider struct {
	mu   sync.Mutex
	errs map[string]error
	sent []Message
}

func (p *scriptedProvider) Name() string { return "fcm" }

func (p *scriptedProvider) Send(_ context.Context, msg Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	if err := p.errs[msg.Token]; err != nil {
		return "", err
	}
	return "msg-" + msg.Token, nil
}

var alarm = domain.Alarm{ID: "a-1", IMEI: "356938035643809", Status: "geofence_exit"}

func newChannel(t *testing.T, store TokenStore, provider Provider) *Channel {
	t.Helper()
	c := New(Config{}, notifications.PipelineDeps{}, store)
	c.provider = provider
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func tokens(user string, ids ...string) []domain.DeviceToken {
	out := make([]domain.DeviceToken, len(ids))
	for i, id := range ids {
		out[i] = domain.DeviceToken{UserID: user, DeviceToken: id, DeviceType: domain.DeviceTypeAndroid}
	}
	return out
}

func TestChannel_InitializeRequiresCredentials(t *testing.T) {
	c := New(Config{}, notifications.PipelineDeps{}, &memoryStore{})

	var cfgErr *notifications.ConfigurationError
	require.ErrorAs(t, c.Initialize(context.Background()), &cfgErr)
	assert.False(t, c.Ready())
}

func TestChannel_SendsOnePerToken(t *testing.T) {
	store := &memoryStore{tokens: map[string][]domain.DeviceToken{"u1": tokens("u1", "t1", "t2")}}
	provider := &scriptedProvider{}
	c := newChannel(t, store, provider)

	res, err := c.Send(context.Background(), alarm, []string{"u1"})

	require.NoError(t, err)
	assert.Equal(t, "fcm", res.Provider)
	assert.Equal(t, "msg-t1", res.MessageID)
	require.Len(t, provider.sent, 2)
	assert.Equal(t, "a-1", provider.sent[0].Data["alarm_id"])
	assert.NotEmpty(t, provider.sent[0].Body)
}

func TestChannel_RemovesInvalidTokens(t *testing.T) {
	store := &memoryStore{tokens: map[string][]domain.DeviceToken{"u1": tokens("u1", "stale", "fresh")}}
	provider := &scriptedProvider{errs: map[string]error{"stale": ErrTokenInvalid}}
	c := newChannel(t, store, provider)

	res, err := c.Send(context.Background(), alarm, []string{"u1"})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "msg-fresh", res.MessageID)
	assert.Equal(t, []string{"stale"}, store.removed)
	assert.Len(t, store.tokens["u1"], 1)
}

func TestChannel_AllTokensInvalid(t *testing.T) {
	store := &memoryStore{tokens: map[string][]domain.DeviceToken{"u1": tokens("u1", "stale")}}
	provider := &scriptedProvider{errs: map[string]error{"stale": ErrTokenInvalid}}
	c := newChannel(t, store, provider)

	_, err := c.Send(context.Background(), alarm, []string{"u1"})

	var valErr *notifications.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.False(t, notifications.IsRetryable(err))
	assert.Equal(t, []string{"stale"}, store.removed)
}

func TestChannel_NoDevices(t *testing.T) {
	store := &memoryStore{tokens: map[string][]domain.DeviceToken{"u1": tokens("u1", "t1")}}
	provider := &scriptedProvider{}
	c := newChannel(t, store, provider)

	res, err := c.Send(context.Background(), alarm, []string{"u1", "ghost"})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded())
	assert.Contains(t, res.Recipients[1].Error, "no registered devices")
}

func TestChannel_StoreFailureIsRetryable(t *testing.T) {
	store := &memoryStore{err: errors.New("connection refused")}
	c := newChannel(t, store, &scriptedProvider{})

	_, err := c.Send(context.Background(), alarm, []string{"u1"})

	var netErr *notifications.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, notifications.IsRetryable(err))
}

func TestChannel_ValidateRecipients(t *testing.T) {
	c := New(Config{}, notifications.PipelineDeps{}, &memoryStore{})

	valid, invalid := c.ValidateRecipients([]string{"8c1f0e2a", "", "two words"})

	assert.Equal(t, []string{"8c1f0e2a"}, valid)
	assert.Equal(t, []string{"", "two words"}, invalid)
}

func TestFCMProvider_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key=server-key", r.Header.Get("Authorization"))

		var req fcmRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"success": 1, "failure": 0}
		switch req.To {
		case "ok":
			resp["results"] = []map[string]string{{"message_id": "0:123"}}
		case "stale":
			resp["results"] = []map[string]string{{"error": "NotRegistered"}}
		case "busy":
			resp["results"] = []map[string]string{{"error": "Unavailable"}}
		case "down":
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewFCMProvider(FCMConfig{ServerKey: "server-key", Endpoint: srv.URL, RatePerSecond: 1000})
	ctx := context.Background()

	id, err := p.Send(ctx, Message{Token: "ok", Title: "SOS", Body: "help"})
	require.NoError(t, err)
	assert.Equal(t, "0:123", id)

	_, err = p.Send(ctx, Message{Token: "stale"})
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = p.Send(ctx, Message{Token: "busy"})
	var provErr *notifications.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.True(t, provErr.IsRetryable())

	_, err = p.Send(ctx, Message{Token: "down"})
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusInternalServerError, provErr.Status)
}
