package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/errorsx"
	"github.com/forgebridge/assist-gateway/internal/modellog"
)

func TestBuildBodyWrapsEnvelopeFields(t *testing.T) {
	body, err := BuildBody(Envelope{
		ProjectID: "proj", RequestID: "req-1", InnerBody: []byte(`{"contents":[]}`),
		Model: "gemini-2.5-pro", RequestType: "agent",
	})
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("BuildBody did not produce valid JSON: %v", err)
	}
	if parsed["project"] != "proj" || parsed["requestId"] != "req-1" || parsed["model"] != "gemini-2.5-pro" || parsed["requestType"] != "agent" {
		t.Errorf("BuildBody wrapper fields = %+v", parsed)
	}
	inner, ok := parsed["request"].(map[string]any)
	if !ok || len(inner["contents"].([]any)) != 0 {
		t.Errorf("BuildBody did not embed InnerBody verbatim under \"request\": %+v", parsed["request"])
	}
}

func TestNormalizeInnerBodySynthesizesSessionID(t *testing.T) {
	out, err := NormalizeInnerBody([]byte(`{}`))
	if err != nil {
		t.Fatalf("NormalizeInnerBody: %v", err)
	}
	var parsed map[string]any
	json.Unmarshal(out, &parsed)

	sid, ok := parsed["sessionId"].(string)
	if !ok || !strings.HasPrefix(sid, "-") {
		t.Errorf("sessionId = %+v, want a synthesised negative-looking string", parsed["sessionId"])
	}
	gc, ok := parsed["generationConfig"].(map[string]any)
	if !ok || gc["candidateCount"] != float64(1) {
		t.Errorf("generationConfig.candidateCount = %+v, want 1", parsed["generationConfig"])
	}
}

func TestNormalizeInnerBodyPreservesExistingFields(t *testing.T) {
	out, err := NormalizeInnerBody([]byte(`{"sessionId":"-42","generationConfig":{"candidateCount":3}}`))
	if err != nil {
		t.Fatalf("NormalizeInnerBody: %v", err)
	}
	var parsed map[string]any
	json.Unmarshal(out, &parsed)

	if parsed["sessionId"] != "-42" {
		t.Errorf("sessionId = %v, want the caller's own -42 preserved", parsed["sessionId"])
	}
	gc := parsed["generationConfig"].(map[string]any)
	if gc["candidateCount"] != float64(3) {
		t.Errorf("candidateCount = %v, want the caller's own 3 preserved", gc["candidateCount"])
	}
}

func TestUnwrapResponseFlattensResponseEnvelope(t *testing.T) {
	raw := []byte(`{"response":{"candidates":[],"usageMetadata":{"totalTokenCount":5}},"traceId":"t1"}`)
	result, err := unwrapResponse(raw)
	if err != nil {
		t.Fatalf("unwrapResponse: %v", err)
	}
	var parsed map[string]any
	json.Unmarshal(result.Body, &parsed)
	if parsed["traceId"] != "t1" {
		t.Errorf("expected the outer traceId to be copied into the flattened body, got %+v", parsed)
	}
	var usage map[string]any
	json.Unmarshal(result.UsageMetadata, &usage)
	if usage["totalTokenCount"] != float64(5) {
		t.Errorf("UsageMetadata = %s, want totalTokenCount 5", result.UsageMetadata)
	}
}

func TestUnwrapResponseKeepsInnerTraceIDWhenPresent(t *testing.T) {
	raw := []byte(`{"response":{"traceId":"inner"},"traceId":"outer"}`)
	result, err := unwrapResponse(raw)
	if err != nil {
		t.Fatalf("unwrapResponse: %v", err)
	}
	var parsed map[string]any
	json.Unmarshal(result.Body, &parsed)
	if parsed["traceId"] != "inner" {
		t.Errorf("traceId = %v, want the inner object's own traceId preserved", parsed["traceId"])
	}
}

func TestUnwrapResponseWithoutResponseWrapperPassesThrough(t *testing.T) {
	raw := []byte(`{"candidates":[],"usageMetadata":{"totalTokenCount":1}}`)
	result, err := unwrapResponse(raw)
	if err != nil {
		t.Fatalf("unwrapResponse: %v", err)
	}
	if string(result.Body) != string(raw) {
		t.Errorf("Body = %s, want passthrough of the raw bytes", result.Body)
	}
}

func TestContainsCapacityMarker(t *testing.T) {
	if !containsCapacityMarker("you have exhausted your capacity for today") {
		t.Error("expected a capacity marker match")
	}
	if containsCapacityMarker("totally unrelated error") {
		t.Error("did not expect a capacity marker match")
	}
}

func TestParseResetHintMs(t *testing.T) {
	if got := parseResetHintMs("capacity exhausted, reset after 30s please retry"); got != 30000 {
		t.Errorf("parseResetHintMs = %d, want 30000", got)
	}
	if got := parseResetHintMs("no hint here"); got != 0 {
		t.Errorf("parseResetHintMs = %d, want 0 when absent", got)
	}
}

func TestHandleResponseClassification(t *testing.T) {
	c := &Client{}

	if _, err := c.handleResponse(0, nil, context.DeadlineExceeded); errorsx.KindOf(err) != errorsx.KindUpstream {
		t.Errorf("transport error: KindOf = %q, want %q", errorsx.KindOf(err), errorsx.KindUpstream)
	}
	if _, err := c.handleResponse(http.StatusTooManyRequests, []byte("slow down"), nil); errorsx.KindOf(err) != errorsx.KindCapacityExhausted {
		t.Errorf("429: KindOf = %q, want %q", errorsx.KindOf(err), errorsx.KindCapacityExhausted)
	}
	if _, err := c.handleResponse(http.StatusOK, []byte("you have exhausted your capacity"), nil); errorsx.KindOf(err) != errorsx.KindCapacityExhausted {
		t.Errorf("200 w/ capacity marker: KindOf = %q, want %q", errorsx.KindOf(err), errorsx.KindCapacityExhausted)
	}
	if _, err := c.handleResponse(http.StatusInternalServerError, []byte("boom"), nil); errorsx.KindOf(err) != errorsx.KindUpstream {
		t.Errorf("500: KindOf = %q, want %q", errorsx.KindOf(err), errorsx.KindUpstream)
	}
	result, err := c.handleResponse(http.StatusOK, []byte(`{"candidates":[]}`), nil)
	if err != nil || result == nil {
		t.Errorf("200 clean body should classify as success, got err=%v", err)
	}
}

func TestClientHeadersIdentifyAntigravity(t *testing.T) {
	headers := clientHeaders()
	if headers["X-Goog-Api-Client"] == "" {
		t.Error("expected a non-empty X-Goog-Api-Client header")
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(headers["Client-Metadata"]), &meta); err != nil {
		t.Fatalf("Client-Metadata is not valid JSON: %v", err)
	}
	if meta["ideType"] != float64(ideTypeAntigravity) || meta["pluginType"] != float64(pluginTypeGemini) {
		t.Errorf("Client-Metadata = %+v", meta)
	}
}

func TestChatSendsAuthAndClientHeaders(t *testing.T) {
	var gotAuth, gotMeta string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMeta = r.Header.Get("Client-Metadata")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UpstreamEndpoint = srv.URL
	client := New(cfg, nil)

	result, err := client.Chat(context.Background(), Envelope{Model: "m"}, "tok", modellog.AccountSummary{}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result == nil {
		t.Fatal("expected a non-nil result")
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer tok")
	}
	if gotMeta == "" {
		t.Error("expected the Client-Metadata header to be set on the outbound request")
	}
}

func TestChatRetriesOnceAfter401WithRefresh(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.UpstreamEndpoint = srv.URL
	client := New(cfg, nil)

	refresh := func(ctx context.Context) (string, error) { return "fresh", nil }
	_, err := client.Chat(context.Background(), Envelope{Model: "m"}, "stale", modellog.AccountSummary{}, refresh)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected exactly one retry (2 total calls), got %d", calls)
	}
}

func TestNewAppliesOutboundProxy(t *testing.T) {
	cfg := config.Default()
	cfg.OutboundProxyURL = "http://127.0.0.1:9" // unroutable, never dialed in this test
	client := New(cfg, nil)

	transport, ok := client.http.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected an *http.Transport")
	}
	if transport.Proxy == nil {
		t.Error("expected the configured OutboundProxyURL to be wired into Transport.Proxy")
	}
}
