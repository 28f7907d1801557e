package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/capitalize-ai/thrift-inbox/internal/idempotency"
	"github.com/capitalize-ai/thrift-inbox/internal/inventory"
	"github.com/capitalize-ai/thrift-inbox/internal/middleware"
	"github.com/capitalize-ai/thrift-inbox/internal/model"
	"github.com/capitalize-ai/thrift-inbox/internal/service"
	"github.com/capitalize-ai/thrift-inbox/internal/store"
	"github.com/capitalize-ai/thrift-inbox/internal/store/storetest"
	"github.com/capitalize-ai/thrift-inbox/internal/webhook"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

const (
	testSecret    = "webhook-secret"
	testJWTSecret = "jwt-secret"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []model.Task
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type testServer struct {
	handler   http.Handler
	queue     *fakeQueue
	guard     *idempotency.Guard
	db        *gorm.DB
	inventory *inventory.Manager
	redis     *miniredis.Miniredis
}

func newTestServer(t *testing.T, withAdmin bool) *testServer {
	t.Helper()
	log := logger.NewNop()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := storetest.New(t)
	guard := idempotency.NewGuard(rdb, db, 200*time.Millisecond, log)
	queue := &fakeQueue{}
	inv := inventory.NewManager(db, log)

	cfg := RouterConfig{
		Webhook: NewWebhookHandler(webhook.NewVerifier(testSecret, false, log), guard, queue, WebhookConfig{
			MaxBodyBytes:   1 << 10,
			IdempotencyTTL: idempotency.DefaultTTL,
			EnqueueTimeout: time.Second,
			VerifyToken:    "verify-me",
		}, log),
		Health: NewHealthHandler(
			func(ctx context.Context) error { return store.Ping(ctx, db) },
			guard.Ping,
			nil,
		),
		JWTSecret:         testJWTSecret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		Logger:            log,
	}
	if withAdmin {
		cfg.Admin = NewAdminHandler(guard, inv, queue, idempotency.DefaultTTL, log)
		cfg.Conversations = NewConversationHandler(service.NewConversationService(db, log), log)
	}

	return &testServer{
		handler:   NewRouter(cfg),
		queue:     queue,
		guard:     guard,
		db:        db,
		inventory: inv,
		redis:     mr,
	}
}

func (s *testServer) postWebhook(t *testing.T, path string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	token, err := middleware.IssueToken(testJWTSecret, "ops", []string{middleware.ScopeAdmin}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func messageBody(eventID, sender, text string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"message","event_id":%q,"timestamp":1700000000,"data":{"message":{"from_user_id":%q,"content":%q}}}`,
		eventID, sender, text,
	))
}

func decodeWebhook(t *testing.T, rec *httptest.ResponseRecorder) WebhookResponse {
	t.Helper()
	var resp WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestWebhook_AcceptThenDuplicate(t *testing.T) {
	s := newTestServer(t, false)
	body := messageBody("e1", "user-1", "Do you have size L jackets?")

	rec := s.postWebhook(t, "/webhook", body, webhook.Sign(testSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeWebhook(t, rec); resp.Status != "ok" || resp.EventID != "e1" || resp.Duplicate {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = s.postWebhook(t, "/webhook", body, webhook.Sign(testSecret, body))
	if resp := decodeWebhook(t, rec); rec.Code != http.StatusOK || !resp.Duplicate || resp.EventID != "e1" {
		t.Fatalf("expected duplicate response, got %d %+v", rec.Code, resp)
	}
	if !strings.Contains(rec.Body.String(), `"duplicate":true`) {
		t.Fatalf("expected duplicate flag in body, got %s", rec.Body.String())
	}

	if s.queue.count() != 1 {
		t.Fatalf("expected exactly one enqueue, got %d", s.queue.count())
	}
	task := s.queue.tasks[0]
	if task.SenderID != "user-1" || task.Text != "Do you have size L jackets?" || task.Event != "message" {
		t.Fatalf("unexpected task %+v", task)
	}
	if !task.OccurredAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected occurred_at from payload timestamp, got %s", task.OccurredAt)
	}
	if !bytes.Equal(task.RawPayload, body) {
		t.Fatal("expected raw payload to be carried on the task")
	}
}

func TestWebhook_ConcurrentDeliveriesEnqueueOnce(t *testing.T) {
	s := newTestServer(t, false)
	body := messageBody("e-storm", "user-1", "hi")
	sig := webhook.Sign(testSecret, body)

	var wg sync.WaitGroup
	var mu sync.Mutex
	duplicates := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := s.postWebhook(t, "/webhook", body, sig)
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
				return
			}
			var resp WebhookResponse
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Duplicate {
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if s.queue.count() != 1 || duplicates != 19 {
		t.Fatalf("expected 1 enqueue and 19 duplicates, got %d and %d", s.queue.count(), duplicates)
	}
}

func TestWebhook_SignatureRejected(t *testing.T) {
	s := newTestServer(t, false)
	body := messageBody("e2", "user-1", "hi")

	for name, sig := range map[string]string{
		"missing":     "",
		"wrong key":   webhook.Sign("other", body),
		"not hex":     "zzzz",
		"other body":  webhook.Sign(testSecret, []byte(`{}`)),
	} {
		rec := s.postWebhook(t, "/webhook", body, sig)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
	if s.queue.count() != 0 {
		t.Fatal("nothing may be enqueued for a rejected signature")
	}
	if val, _ := s.guard.Status(context.Background(), "e2"); val != "" {
		t.Fatal("a rejected request must not reserve the event")
	}
}

func TestWebhook_AlwaysOKForBadInput(t *testing.T) {
	s := newTestServer(t, false)

	invalid := []byte(`{"event":`)
	rec := s.postWebhook(t, "/webhook", invalid, webhook.Sign(testSecret, invalid))
	if rec.Code != http.StatusOK || decodeWebhook(t, rec).Status != "ignored" {
		t.Fatalf("expected 200 ignored for invalid json, got %d %s", rec.Code, rec.Body.String())
	}

	large := []byte(`{"event":"message","pad":"` + strings.Repeat("x", 2048) + `"}`)
	rec = s.postWebhook(t, "/webhook", large, webhook.Sign(testSecret, large))
	if rec.Code != http.StatusOK || decodeWebhook(t, rec).Status != "ignored" {
		t.Fatalf("expected 200 ignored for oversized body, got %d", rec.Code)
	}

	if s.queue.count() != 0 {
		t.Fatal("expected nothing enqueued")
	}
}

func TestWebhook_MissingEventIDFallsBack(t *testing.T) {
	s := newTestServer(t, false)
	body := []byte(`{"event":"message","timestamp":1700000123,"data":{"sender_id":"user-9"}}`)

	rec := s.postWebhook(t, "/webhook/tiktok", body, webhook.Sign(testSecret, body))
	if resp := decodeWebhook(t, rec); resp.EventID != "unknown_1700000123" {
		t.Fatalf("expected fallback event id, got %+v", resp)
	}
	if s.queue.count() != 1 || s.queue.tasks[0].SenderID != "user-9" {
		t.Fatalf("expected the task to be enqueued with the flat sender, got %+v", s.queue.tasks)
	}
}

func TestWebhook_EnqueueFailureReleasesKey(t *testing.T) {
	s := newTestServer(t, false)
	s.queue.err = errors.New("nats down")
	body := messageBody("e3", "user-1", "hi")
	sig := webhook.Sign(testSecret, body)

	rec := s.postWebhook(t, "/webhook", body, sig)
	if rec.Code != http.StatusOK || decodeWebhook(t, rec).Status != "ok" {
		t.Fatalf("expected 200 ok even when enqueue fails, got %d", rec.Code)
	}
	if s.redis.Exists(idempotency.Key("e3")) {
		t.Fatal("expected the idempotency key to be released")
	}

	s.queue.err = nil
	rec = s.postWebhook(t, "/webhook", body, sig)
	if decodeWebhook(t, rec).Duplicate || s.queue.count() != 1 {
		t.Fatal("expected the redelivery to be accepted and enqueued")
	}
}

func TestWebhook_RedisDownFailsOpen(t *testing.T) {
	s := newTestServer(t, false)
	s.redis.Close()
	body := messageBody("e4", "user-1", "hi")

	rec := s.postWebhook(t, "/webhook", body, webhook.Sign(testSecret, body))
	if rec.Code != http.StatusOK || s.queue.count() != 1 {
		t.Fatalf("expected the event to be accepted with redis down, got %d/%d", rec.Code, s.queue.count())
	}
}

func TestWebhook_Challenge(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		query string
		code  int
		body  string
	}{
		{"hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=verify-me", http.StatusOK, "abc123"},
		{"hub.mode=unsubscribe&hub.challenge=abc123&hub.verify_token=verify-me", http.StatusBadRequest, ""},
		{"hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=nope", http.StatusForbidden, ""},
		{"hub.mode=subscribe&hub.verify_token=verify-me", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
		if rec.Code != tt.code {
			t.Fatalf("%s: expected %d, got %d", tt.query, tt.code, rec.Code)
		}
		if tt.body != "" && rec.Body.String() != tt.body {
			t.Fatalf("expected challenge echo, got %q", rec.Body.String())
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, false)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"database":"ok"`) {
		t.Fatalf("expected healthy, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"nats":"disabled"`) {
		t.Fatalf("expected ready, got %d %s", rec.Code, rec.Body.String())
	}

	s.redis.Close()
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready with redis down, got %d", rec.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	h := NewHealthHandler(func(context.Context) error { return errors.New("db down") }, nil, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected degraded, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdmin_NotMountedWhenDisabled(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.admin(t, http.MethodGet, "/admin/inventory", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	s := newTestServer(t, true)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/inventory", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdmin_EventStatus(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()
	s.guard.CheckAndReserve(ctx, "e5", time.Minute)
	if err := s.guard.MarkPermanent(ctx, "e5", model.LedgerSuccess); err != nil {
		t.Fatal(err)
	}
	if _, err := s.guard.Claim(ctx, "e5", "w1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.guard.MarkDelivered(ctx, "e5"); err != nil {
		t.Fatal(err)
	}

	rec := s.admin(t, http.MethodGet, "/admin/events/e5", nil)
	var resp model.EventStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Processing || !resp.Processed || !resp.Delivered || resp.Ledger == nil || resp.Ledger.Status != model.LedgerSuccess {
		t.Fatalf("unexpected status %+v", resp)
	}

	rec = s.admin(t, http.MethodGet, "/admin/events/never-seen", nil)
	resp = model.EventStatusResponse{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Processing || resp.Processed || resp.Delivered {
		t.Fatalf("expected unknown event to be neither processing nor processed, got %+v", resp)
	}
}

func TestAdmin_InventorySearchAndReserve(t *testing.T) {
	s := newTestServer(t, true)
	_, err := s.inventory.Seed(context.Background(), []model.InventoryItem{{
		SKU: "CRD-JKT-L-001", Name: "Corduroy Chore Jacket", Description: "tan", Price: decimal.RequireFromString("58"),
	}})
	if err != nil {
		t.Fatal(err)
	}

	rec := s.admin(t, http.MethodGet, "/admin/inventory?q=jacket", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "CRD-JKT-L-001") {
		t.Fatalf("expected search hit, got %d %s", rec.Code, rec.Body.String())
	}

	rec = s.admin(t, http.MethodPost, "/admin/inventory/CRD-JKT-L-001/reserve", map[string]string{"requester_id": "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected reservation, got %d %s", rec.Code, rec.Body.String())
	}
	rec = s.admin(t, http.MethodPost, "/admin/inventory/CRD-JKT-L-001/reserve", map[string]string{"requester_id": "user-2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict for a reserved item, got %d", rec.Code)
	}
	rec = s.admin(t, http.MethodPost, "/admin/inventory/NOPE-001/reserve", map[string]string{"requester_id": "user-2"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing sku, got %d", rec.Code)
	}
	rec = s.admin(t, http.MethodPost, "/admin/inventory/CRD-JKT-L-001/reserve", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without requester, got %d", rec.Code)
	}

	rec = s.admin(t, http.MethodGet, "/admin/inventory?q=jacket", nil)
	if strings.Contains(rec.Body.String(), "CRD-JKT-L-001") {
		t.Fatal("reserved items must not appear in search")
	}
}

func TestAdmin_Simulate(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.admin(t, http.MethodPost, "/admin/simulate", model.SimulateMessageRequest{SenderID: "user-1", Text: "any nike?", EventID: "sim-1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	if s.queue.count() != 1 || s.queue.tasks[0].EventID != "sim-1" || s.queue.tasks[0].Text != "any nike?" {
		t.Fatalf("unexpected queued tasks %+v", s.queue.tasks)
	}

	rec = s.admin(t, http.MethodPost, "/admin/simulate", model.SimulateMessageRequest{SenderID: "user-1", Text: "again", EventID: "sim-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a reused event id, got %d", rec.Code)
	}

	rec = s.admin(t, http.MethodPost, "/admin/simulate", model.SimulateMessageRequest{SenderID: "user-1", Text: "generated id"})
	var resp model.SimulateMessageResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !strings.HasPrefix(resp.EventID, "sim_") {
		t.Fatalf("expected a generated event id, got %q", resp.EventID)
	}

	rec = s.admin(t, http.MethodPost, "/admin/simulate", model.SimulateMessageRequest{SenderID: "", Text: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without sender, got %d", rec.Code)
	}
}

func TestAdmin_Conversations(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()
	log := logger.NewNop()

	if _, err := service.NewUserService(s.db, log).Upsert(ctx, "user-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	convs := service.NewConversationService(s.db, log)
	for i := 0; i < 3; i++ {
		if err := convs.AppendExchange(ctx, "user-1", fmt.Sprintf("e%d", i), "q", "a"); err != nil {
			t.Fatal(err)
		}
	}

	rec := s.admin(t, http.MethodGet, "/admin/users/user-1/conversations?limit=4", nil)
	var resp model.ListConversationsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 6 || len(resp.Turns) != 4 || !resp.HasMore {
		t.Fatalf("unexpected page %+v", resp)
	}
}
