package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/driftwire/chatctl/internal/channel"
	"github.com/driftwire/chatctl/internal/channel/session"
	"github.com/driftwire/chatctl/internal/testutil/testlog"
	"github.com/driftwire/chatctl/internal/transport"
)

var adminAuthData = []byte(`{"account_id":"acct-1","device_id":"device-1","auth_token":"token-1"}`)

func newTestServer(t *testing.T, initialize bool) (*Server, *transport.Memory) {
	t.Helper()
	tr := transport.NewMemory()
	svc, err := channel.New(tr, channel.Config{
		AuthData:  adminAuthData,
		Reconnect: session.ReconnectConfig{MaxRetries: 1, Delay: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if initialize {
		if err := svc.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		t.Cleanup(func() { _ = svc.Shutdown() })
	}
	return New(svc, ":0", nil), tr
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, false)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyBeforeConnect(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, false)
	rec := doRequest(t, s, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadyWhenConnected(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body["state"] != string(session.StateConnected) {
		t.Fatalf("unexpected state: %v", body["state"])
	}
	if _, ok := body["connected_at"]; !ok {
		t.Fatal("expected connected_at in status")
	}
}

func TestPostMessage(t *testing.T) {
	testlog.Start(t)
	s, tr := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodPost, "/messages",
		`{"recipient":"user-2@relay","text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["id"] == "" {
		t.Fatal("expected message id in response")
	}
	if len(tr.LastConn().Sent()) != 1 {
		t.Fatal("message never reached the transport")
	}
}

func TestPostMessageNotInitialized(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, false)
	rec := doRequest(t, s, http.MethodPost, "/messages",
		`{"recipient":"user-2@relay","text":"hello"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestPostMessageBadBody(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodPost, "/messages", `{"recipient":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, true)
	if _, err := s.svc.SendText(context.Background(), "user-2@relay", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chatctl_channel_messages_sent_total") {
		t.Fatal("expected channel metrics in exposition")
	}
}
