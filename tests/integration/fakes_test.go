//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// providerFake records requests and can be switched into a failing mode.
type providerFake struct {
	server  *httptest.Server
	failing atomic.Bool
	health  atomic.Int64

	mu       sync.Mutex
	received []map[string]any
}

func (f *providerFake) URL() string { return f.server.URL }

func (f *providerFake) Close() { f.server.Close() }

func (f *providerFake) record(r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.received = append(f.received, body)
	f.mu.Unlock()
}

// receivedField returns the values of field across all recorded requests.
func (f *providerFake) receivedField(field string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.received {
		if v, ok := b[field].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newModemGateway fakes one GSM modem gateway: POST /send and GET /status.
func newModemGateway() *providerFake {
	f := &providerFake{}
	r := chi.NewRouter()
	r.Post("/send", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if f.failing.Load() {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "no network registration"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message_id": "sms-" + uuid.NewString()})
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		f.health.Add(1)
		if f.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	f.server = httptest.NewServer(r)
	return f
}

// newVoiceAPI fakes the voice call provider: POST /calls and GET /health.
func newVoiceAPI() *providerFake {
	f := &providerFake{}
	r := chi.NewRouter()
	r.Post("/calls", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if f.failing.Load() {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "telephony backend down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"call_id": "call-" + uuid.NewString()})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		f.health.Add(1)
		if f.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	f.server = httptest.NewServer(r)
	return f
}

// newFCM fakes the FCM legacy endpoint. Tokens prefixed "stale-" are reported as unregistered.
func newFCM() *providerFake {
	f := &providerFake{}
	r := chi.NewRouter()
	r.Post("/fcm/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.received = append(f.received, body)
		f.mu.Unlock()

		token, _ := body["to"].(string)
		result := map[string]string{"message_id": "fcm-" + uuid.NewString()}
		if len(token) > 6 && token[:6] == "stale-" {
			result = map[string]string{"error": "NotRegistered"}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": []map[string]string{result}})
	})
	f.server = httptest.NewServer(r)
	return f
}
