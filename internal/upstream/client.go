// Package upstream implements C6: building upstream envelopes, performing
// the HTTP call, and parsing streamed events. The HTTP call shape (endpoint
// path, header construction, status-code handling) is adapted from
// the teacher's go-backend/internal/cloudcode/message_handler.go, but the
// retry/backoff policy that file implements inline is deliberately NOT
// carried here — §4.5 assigns all of that to the Dispatcher, so this client
// raises typed errors and lets C7 decide what to do with them. Envelope
// fields are edited surgically with tidwall/gjson and tidwall/sjson (§9
// "dynamic property bags -> typed records": only the few fields the
// dispatcher touches are parsed, everything else in the caller's body
// passes through as opaque bytes).
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/errorsx"
	"github.com/forgebridge/assist-gateway/internal/modellog"
)

// capacityMarkers are the spec's exact literal strings (§4.4), replacing
// the teacher's different marker set (model_capacity_exhausted, "model is
// currently overloaded", ...) which does not match this spec's upstream.
var capacityMarkers = []string{
	"exhausted your capacity",
	"Resource has been exhausted",
	"No capacity available",
}

// Client performs the two C6 operations against the cloud code-assist API.
type Client struct {
	cfg  *config.Config
	http *http.Client
	log  *modellog.Sink
}

func New(cfg *config.Config, sink *modellog.Sink) *Client {
	dialer := &net.Dialer{
		Timeout: time.Duration(cfg.FetchConnectTimeoutMs) * time.Millisecond,
	}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	if cfg.OutboundProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.OutboundProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   0, // streaming may be long-lived; callers bound via ctx
			Transport: transport,
		},
		log: sink,
	}
}

// Envelope describes everything needed to build the upstream request body
// (§6 "Upstream envelope"). InnerBody is the caller's normalised request,
// already carrying sessionId and generationConfig.candidateCount — the
// Dispatcher owns injecting those (§4.5 step b); this package only adds the
// routing wrapper around it.
type Envelope struct {
	ProjectID   string
	RequestID   string
	InnerBody   []byte
	Model       string
	RequestType string // "agent" | "image_gen"
}

// BuildBody assembles the upstream envelope bytes via sjson, touching only
// the wrapper fields — InnerBody's contents are never unmarshalled here.
func BuildBody(e Envelope) ([]byte, error) {
	body := `{}`
	var err error
	if body, err = sjson.Set(body, "project", e.ProjectID); err != nil {
		return nil, err
	}
	if body, err = sjson.Set(body, "requestId", e.RequestID); err != nil {
		return nil, err
	}
	if body, err = sjson.SetRawBytes([]byte(body), "request", e.InnerBody); err != nil {
		return nil, err
	}
	if body, err = sjson.Set(body, "model", e.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.Set(body, "userAgent", "antigravity"); err != nil {
		return nil, err
	}
	if body, err = sjson.Set(body, "requestType", e.RequestType); err != nil {
		return nil, err
	}
	return []byte(body), nil
}

// NormalizeInnerBody ensures generationConfig.candidateCount defaults to 1
// and synthesises a sessionId when absent (§4.5 step b, §6). sessionId is
// synthesised as a negative random int64 string, per the spec's literal
// wording; original_source/ retained no files to confirm an exact format
// (see DESIGN.md), so this does not reuse any content-hash-derived scheme.
func NormalizeInnerBody(body []byte) ([]byte, error) {
	out := string(body)
	var err error

	if !gjson.GetBytes(body, "sessionId").Exists() {
		sid, sidErr := synthesizeSessionID()
		if sidErr != nil {
			return nil, sidErr
		}
		if out, err = sjson.Set(out, "sessionId", sid); err != nil {
			return nil, err
		}
	}

	if !gjson.Get(out, "generationConfig.candidateCount").Exists() {
		if out, err = sjson.Set(out, "generationConfig.candidateCount", 1); err != nil {
			return nil, err
		}
	}

	return []byte(out), nil
}

func synthesizeSessionID() (string, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 63) // [0, 2^63)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return "-" + n.String(), nil
}

// RefreshFunc forces a token refresh and returns the new access token, used
// for the one-shot 401-triggered retry (§4.4).
type RefreshFunc func(ctx context.Context) (accessToken string, err error)

// ChatResult is the unwrapped, flat response (§4.4's "{response:{...},
// traceId} unwrap", preserving traceId if the inner object lacks one) plus
// the last-observed usage metadata.
type ChatResult struct {
	Body          []byte
	UsageMetadata json.RawMessage
}

// Chat performs the non-streaming call (§4.4).
func (c *Client) Chat(ctx context.Context, env Envelope, accessToken string, account modellog.AccountSummary, refresh RefreshFunc) (*ChatResult, error) {
	body, err := BuildBody(env)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	status, raw, err := c.post(ctx, "/v1internal:generateContent", body, accessToken)
	if err == nil && status == http.StatusUnauthorized && refresh != nil {
		newToken, rerr := refresh(ctx)
		if rerr == nil {
			accessToken = newToken
			status, raw, err = c.post(ctx, "/v1internal:generateContent", body, accessToken)
		}
	}
	latency := time.Since(start).Milliseconds()

	result, callErr := c.handleResponse(status, raw, err)

	c.record(modellog.Record{
		Kind: "chat", Provider: "cloud-code-assist", Endpoint: c.cfg.AntigravityEndpoint(),
		Model: env.Model, Stream: false, Status: statusLabel(callErr), LatencyMs: latency,
		Account: account, RequestBody: string(body), ResponseBody: string(raw), Error: errString(callErr),
	})

	return result, callErr
}

func (c *Client) post(ctx context.Context, path string, body []byte, accessToken string) (int, []byte, error) {
	url := c.cfg.AntigravityEndpoint() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	applyClientHeaders(req.Header.Set)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

// handleResponse classifies the HTTP outcome per §4.4: 401 is handled by
// the caller (one forced-refresh retry); 429 or a capacity marker in the
// body raises CapacityExhausted; any other non-2xx is UpstreamError.
func (c *Client) handleResponse(status int, raw []byte, transportErr error) (*ChatResult, error) {
	if transportErr != nil {
		return nil, errorsx.NewUpstreamError(0, transportErr.Error())
	}
	text := string(raw)

	if status == http.StatusTooManyRequests || containsCapacityMarker(text) {
		return nil, errorsx.NewCapacityExhausted(text, parseResetHintMs(text))
	}
	if status < 200 || status >= 300 {
		return nil, errorsx.NewUpstreamError(status, text)
	}

	return unwrapResponse(raw)
}

func containsCapacityMarker(text string) bool {
	for _, m := range capacityMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// parseResetHintMs is a best-effort, non-contractual parse of "reset after
// Ns" (§9 open question (b)).
func parseResetHintMs(text string) int64 {
	const marker = "reset after "
	idx := strings.Index(text, marker)
	if idx < 0 {
		return 0
	}
	rest := text[idx+len(marker):]
	var secs int64
	if _, err := fmt.Sscanf(rest, "%ds", &secs); err != nil {
		return 0
	}
	return secs * 1000
}

// unwrapResponse flattens {response:{...},traceId} into the inner object,
// preserving traceId if the inner object lacks one, and extracts
// usageMetadata as the authoritative token snapshot (§4.4).
func unwrapResponse(raw []byte) (*ChatResult, error) {
	parsed := gjson.ParseBytes(raw)
	inner := parsed.Get("response")
	if !inner.Exists() {
		return &ChatResult{Body: raw, UsageMetadata: usageOf(parsed)}, nil
	}

	flat := inner.Raw
	if !inner.Get("traceId").Exists() {
		if tid := parsed.Get("traceId"); tid.Exists() {
			var err error
			flat, err = sjson.Set(flat, "traceId", tid.String())
			if err != nil {
				return nil, err
			}
		}
	}

	return &ChatResult{Body: []byte(flat), UsageMetadata: usageOf(inner)}, nil
}

func usageOf(v gjson.Result) json.RawMessage {
	u := v.Get("usageMetadata")
	if !u.Exists() {
		return nil
	}
	return json.RawMessage(u.Raw)
}

func (c *Client) record(r modellog.Record) {
	if c.log == nil {
		return
	}
	c.log.Append(r)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
