package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dm-relay/internal/domain"
	"dm-relay/internal/metrics"
	"dm-relay/internal/realtime"
	"dm-relay/internal/repository"
	"dm-relay/internal/service"
)

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

type testServer struct {
	router   *gin.Engine
	jwt      *service.JWTService
	registry *realtime.Registry
	repo     *repository.MemoryMessageRepository
}

func newTestServer(t *testing.T, limiter service.SendRateLimiter, ping PingFunc) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	repo := repository.NewMemoryMessageRepository()
	registry := realtime.NewRegistry(logger)
	reg := prometheus.NewRegistry()
	m, err := metrics.NewRelay(reg, func() float64 { return float64(registry.Online()) })
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	jwtSvc := service.NewJWTService("secret", "dm-relay", 15*time.Minute)
	messages := service.NewMessageService(logger, repo, service.DefaultDedupWindow, time.Second)
	relay := service.NewRelayService(logger, messages, nil, registry, m)

	router := NewRouter(RouterDeps{
		Logger:   logger,
		JWT:      jwtSvc,
		Messages: NewMessageHandler(logger, relay, limiter),
		WS:       NewWSHandler(logger, relay, registry, limiter, nil, 16),
		Health:   NewHealthHandler(logger, ping, registry.Online),
		Gatherer: reg,
	})
	return testServer{router: router, jwt: jwtSvc, registry: registry, repo: repo}
}

func (s testServer) do(t *testing.T, method, path string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID > 0 {
		token, err := s.jwt.SignAccessToken(userID)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) domain.Message {
	t.Helper()
	var msg domain.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode message: %v (body=%s)", err, rec.Body.String())
	}
	return msg
}

func TestSendMessage_CreatesAndDeduplicates(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	body := gin.H{"senderId": 1, "recipientId": 2, "content": "hi"}

	rec := srv.do(t, http.MethodPost, "/messages", 1, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	first := decodeMessage(t, rec)
	if first.ID == "" || first.SenderID != 1 || first.RecipientID != 2 || first.IsRead {
		t.Fatalf("unexpected message: %+v", first)
	}

	rec = srv.do(t, http.MethodPost, "/messages", 1, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	if dup := decodeMessage(t, rec); dup.ID != first.ID {
		t.Fatalf("expected same id, got %q", dup.ID)
	}
}

func TestSendMessage_Errors(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	if rec := srv.do(t, http.MethodPost, "/messages", 0, gin.H{"senderId": 1, "recipientId": 2, "content": "hi"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec := srv.do(t, http.MethodPost, "/messages", 1, gin.H{"recipientId": 2, "content": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing sender, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "Invalid payload" {
		t.Fatalf("unexpected error body: %v", body)
	}
	if rec := srv.do(t, http.MethodPost, "/messages", 3, gin.H{"senderId": 1, "recipientId": 2, "content": "hi"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when impersonating, got %d", rec.Code)
	}
	msgs, _ := srv.repo.ListConversation(context.Background(), 1, 2)
	if len(msgs) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(msgs))
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	srv := newTestServer(t, denyAllLimiter{}, nil)
	rec := srv.do(t, http.MethodPost, "/messages", 1, gin.H{"senderId": 1, "recipientId": 2, "content": "hi"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestGetConversation(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	srv.do(t, http.MethodPost, "/messages", 1, gin.H{"senderId": 1, "recipientId": 2, "content": "a"})
	srv.do(t, http.MethodPost, "/messages", 2, gin.H{"senderId": 2, "recipientId": 1, "content": "b"})

	rec := srv.do(t, http.MethodGet, "/messages/2/1", 1, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var msgs []domain.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "a" || msgs[1].Content != "b" {
		t.Fatalf("unexpected conversation: %+v", msgs)
	}

	if rec := srv.do(t, http.MethodGet, "/messages/1/2", 9, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, "/messages/x/2", 1, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodGet, "/messages/1/3", 1, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "[]" {
		t.Fatalf("expected empty array, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMarkUpdateDelete(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	msg := decodeMessage(t, srv.do(t, http.MethodPost, "/messages", 1, gin.H{"senderId": 1, "recipientId": 2, "content": "hi"}))

	rec := srv.do(t, http.MethodPatch, "/messages/"+msg.ID+"/read", 2, nil)
	if rec.Code != http.StatusOK || !decodeMessage(t, rec).IsRead {
		t.Fatalf("expected read message, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := srv.do(t, http.MethodPatch, "/messages/missing/read", 2, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if rec := srv.do(t, http.MethodPatch, "/messages/"+msg.ID, 2, gin.H{"content": "nope"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on foreign update, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodPatch, "/messages/"+msg.ID, 1, gin.H{"content": " "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on empty content, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPatch, "/messages/"+msg.ID, 1, gin.H{"content": "edited"})
	if rec.Code != http.StatusOK || decodeMessage(t, rec).Content != "edited" {
		t.Fatalf("expected edited message, got %d %s", rec.Code, rec.Body.String())
	}

	if rec := srv.do(t, http.MethodDelete, "/messages/"+msg.ID, 2, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on foreign delete, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodDelete, "/messages/"+msg.ID, 1, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodDelete, "/messages/"+msg.ID, 1, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil, func(context.Context) error { return nil })
	if rec := srv.do(t, http.MethodGet, "/healthz", 0, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := newTestServer(t, nil, func(context.Context) error { return errors.New("db down") })
	if rec := down.do(t, http.MethodGet, "/healthz", 0, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	srv.do(t, http.MethodPost, "/messages", 1, gin.H{"senderId": 1, "recipientId": 2, "content": "hi"})

	rec := srv.do(t, http.MethodGet, "/metrics", 0, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("relay_messages_persisted_total 1")) {
		t.Fatalf("expected persisted counter in exposition, got %s", rec.Body.String())
	}
}
