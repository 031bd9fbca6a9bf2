package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mednet/api/internal/convo"
	"mednet/api/internal/messages"
)

func newTestServer(t *testing.T) (*HTTPServer, *Service, *fakeData) {
	t.Helper()
	svc, data, _ := newTestService(t)
	return NewHTTPServer(svc, "*"), svc, data
}

func authHeader(t *testing.T, svc *Service, data *fakeData, accountID, hospitalID string) string {
	t.Helper()
	ctx := context.Background()
	account, err := data.GetAccountByID(ctx, accountID)
	if err != nil {
		t.Fatalf("account %s: %v", accountID, err)
	}
	hospital, err := data.GetHospitalByID(ctx, hospitalID)
	if err != nil {
		t.Fatalf("hospital %s: %v", hospitalID, err)
	}
	sess, err := svc.CreateSession(ctx, account, hospital)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return "Bearer " + sess.Token
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status, exists := response["status"]; !exists || status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	checks, exists := response["checks"].(map[string]any)
	if !exists {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	for _, name := range []string{"database", "redis"} {
		check, ok := checks[name].(map[string]any)
		if !ok {
			t.Fatalf("expected %s check, got %v", name, checks[name])
		}
		if status, ok := check["status"]; !ok || status != "ok" {
			t.Errorf("expected %s status=ok, got %v", name, status)
		}
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	svc, data, _ := newTestService(t)
	data.pingFn = func(context.Context) error { return errors.New("connection refused") }
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status, exists := response["status"]; !exists || status != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", status)
	}
}

func TestOptionsRequestShortCircuits(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestCORSAndRequestIDHeaders(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected request id passthrough, got %q", got)
	}
}

func TestProtectedEndpointsRequireSession(t *testing.T) {
	server, _, _ := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/hospitals"},
		{http.MethodGet, "/api/conversations"},
		{http.MethodPost, "/api/conversations/hosp_b/open"},
		{http.MethodGet, "/api/search?q=x"},
		{http.MethodPost, "/api/focus"},
	}
	for _, tc := range paths {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestSessionEndpoint(t *testing.T) {
	server, svc, data := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	var anonymous map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &anonymous)
	if anonymous["authenticated"] != false {
		t.Errorf("expected authenticated=false without token, got %v", anonymous["authenticated"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", authHeader(t, svc, data, "acc_a", "hosp_a"))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	var authenticated map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &authenticated)
	if authenticated["authenticated"] != true || authenticated["hospitalId"] != "hosp_a" {
		t.Errorf("expected authenticated session for hosp_a, got %v", authenticated)
	}
}

func TestConversationFlowOverHTTP(t *testing.T) {
	server, svc, data := newTestServer(t)
	header := authHeader(t, svc, data, "acc_a", "hosp_a")

	// Open the conversation with City General.
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/hosp_b/open", nil)
	req.Header.Set("Authorization", header)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Send a message.
	body := strings.NewReader(`{"content":"patient transfer at 14:00"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/conversations/hosp_b/messages", body)
	req.Header.Set("Authorization", header)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var sendResp struct {
		Message convo.MessageView `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &sendResp); err != nil {
		t.Fatalf("parse send response: %v", err)
	}
	if sendResp.Message.Content != "patient transfer at 14:00" || sendResp.Message.Pending {
		t.Errorf("unexpected send response: %+v", sendResp.Message)
	}

	// History is readable.
	req = httptest.NewRequest(http.MethodGet, "/api/conversations/hosp_b/messages", nil)
	req.Header.Set("Authorization", header)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rr.Code)
	}
	var histResp struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &histResp); err != nil {
		t.Fatalf("parse history: %v", err)
	}
	if len(histResp.Messages) != 1 {
		t.Fatalf("expected 1 message in history, got %d", len(histResp.Messages))
	}

	// The conversation list shows the preview.
	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", header)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("conversations: expected 200, got %d", rr.Code)
	}
	var listResp struct {
		Conversations []ConversationSummary `json:"conversations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("parse conversations: %v", err)
	}
	if len(listResp.Conversations) == 0 || listResp.Conversations[0].HospitalID != "hosp_b" {
		t.Errorf("expected hosp_b first, got %+v", listResp.Conversations)
	}

	// Mark read succeeds even with nothing unread.
	req = httptest.NewRequest(http.MethodPost, "/api/conversations/hosp_b/read", nil)
	req.Header.Set("Authorization", header)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", rr.Code)
	}
}

func TestSendValidationOverHTTP(t *testing.T) {
	server, svc, data := newTestServer(t)
	header := authHeader(t, svc, data, "acc_a", "hosp_a")

	body := strings.NewReader(`{"content":"   "}`)
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/hosp_b/messages", body)
	req.Header.Set("Authorization", header)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for blank content, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	server, svc, data := newTestServer(t)
	header := authHeader(t, svc, data, "acc_a", "hosp_a")

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	req.Header.Set("Authorization", header)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 without q, got %d", rr.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server, svc, data := newTestServer(t)
	header := authHeader(t, svc, data, "acc_a", "hosp_a")

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	req.Header.Set("Authorization", header)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"domain error", domainError(418, "TEAPOT", "teapot", nil), 418, "TEAPOT"},
		{"empty message", convo.ErrEmptyMessage, 422, "VALIDATION_ERROR"},
		{"no conversation", convo.ErrNoConversation, 409, "NO_CONVERSATION"},
		{"send in flight", convo.ErrSendInFlight, 409, "SEND_IN_FLIGHT"},
		{"fetch failure", &messages.FetchError{Err: errors.New("down")}, 502, "FETCH_FAILED"},
		{"send failure", &messages.SendError{Err: errors.New("down")}, 502, "SEND_FAILED"},
		{"unknown", errors.New("boom"), 500, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("mapError(%v) = %d %s, want %d %s", tt.err, status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}
