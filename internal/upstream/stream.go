package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/forgebridge/assist-gateway/internal/errorsx"
	"github.com/forgebridge/assist-gateway/internal/logging"
	"github.com/forgebridge/assist-gateway/internal/modellog"
)

// Emit is called once per decoded upstream event, in arrival order (§5
// ordering guarantee). A non-nil return aborts the stream.
type Emit func(event []byte, usage json.RawMessage) error

// StreamChat opens the streaming endpoint and calls emit for every decoded
// event, honouring ctx cancellation (§4.4). It mirrors Chat's 401/capacity/
// error classification, but detects emptiness (clean close, zero emitted
// events) as EmptyUpstreamResponse — a terminal error distinct from
// CapacityExhausted (§4.4 "Emptiness detection").
func (c *Client) StreamChat(ctx context.Context, env Envelope, accessToken string, account modellog.AccountSummary, refresh RefreshFunc, emit Emit) error {
	body, err := BuildBody(env)
	if err != nil {
		return err
	}

	start := time.Now()
	status, stream, closeBody, err := c.openStream(ctx, body, accessToken)
	if err == nil && status == http.StatusUnauthorized && refresh != nil {
		if closeBody != nil {
			closeBody()
		}
		newToken, rerr := refresh(ctx)
		if rerr == nil {
			accessToken = newToken
			status, stream, closeBody, err = c.openStream(ctx, body, accessToken)
		}
	}
	if closeBody != nil {
		defer closeBody()
	}

	if err != nil {
		c.recordStream(env, account, body, start, err)
		return errorsx.NewUpstreamError(0, err.Error())
	}
	if status < 200 || status >= 300 {
		errText := readAllBestEffort(stream)
		var callErr error = errorsx.NewUpstreamError(status, errText)
		if status == http.StatusTooManyRequests || containsCapacityMarker(errText) {
			callErr = errorsx.NewCapacityExhausted(errText, parseResetHintMs(errText))
		}
		c.recordStream(env, account, body, start, callErr)
		return callErr
	}

	emitted := 0
	var chunks [][]byte
	emitErr := scanSSE(ctx, stream, func(raw []byte) error {
		if containsCapacityMarker(string(raw)) {
			return errorsx.NewCapacityExhausted(string(raw), parseResetHintMs(string(raw)))
		}
		parsed, perr := unwrapResponse(raw)
		if perr != nil {
			// §9 open question (c): chunks that fail to unwrap are
			// dropped, matching the source's permissive behaviour.
			// Payloads that are not valid JSON never reach this callback
			// (scanSSE skips them). Dropped chunks are not recorded in
			// the model log.
			logging.Debug("[upstream] dropping unparseable stream chunk: %v", perr)
			return nil
		}
		chunks = append(chunks, parsed.Body)
		emitted++
		return emit(parsed.Body, parsed.UsageMetadata)
	})

	var callErr error
	switch {
	case emitErr != nil:
		callErr = emitErr
	case emitted == 0:
		callErr = errorsx.NewEmptyUpstreamResponse("")
	}

	c.recordStreamChunks(env, account, body, chunks, start, callErr)
	return callErr
}

func (c *Client) openStream(ctx context.Context, body []byte, accessToken string) (int, *bufio.Reader, func(), error) {
	url := c.cfg.AntigravityEndpoint() + "/v1internal:streamGenerateContent?alt=sse"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	applyClientHeaders(req.Header.Set)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, bufio.NewReader(resp.Body), func() { resp.Body.Close() }, nil
}

// scanSSE scans "data: <json>" lines, handing each decoded payload to fn,
// and returns promptly on ctx cancellation (§4.4 cancel propagation).
func scanSSE(ctx context.Context, r *bufio.Reader, fn func([]byte) error) error {
	lines := make(chan string, 16)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 4*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return errorsx.NewCancelled("")
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}
			if !gjson.Valid(payload) {
				continue
			}
			if err := fn([]byte(payload)); err != nil {
				return err
			}
		}
	}
}

func readAllBestEffort(r *bufio.Reader) string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return sb.String()
}

func (c *Client) recordStream(env Envelope, account modellog.AccountSummary, reqBody []byte, start time.Time, callErr error) {
	c.record(modellog.Record{
		Kind: "stream_chat", Provider: "cloud-code-assist", Endpoint: c.cfg.AntigravityEndpoint(),
		Model: env.Model, Stream: true, Status: statusLabel(callErr), LatencyMs: time.Since(start).Milliseconds(),
		Account: account, RequestBody: string(reqBody), Error: errString(callErr),
	})
}

func (c *Client) recordStreamChunks(env Envelope, account modellog.AccountSummary, reqBody []byte, chunks [][]byte, start time.Time, callErr error) {
	joined := make([]string, len(chunks))
	for i, ch := range chunks {
		joined[i] = string(ch)
	}
	c.record(modellog.Record{
		Kind: "stream_chat", Provider: "cloud-code-assist", Endpoint: c.cfg.AntigravityEndpoint(),
		Model: env.Model, Stream: true, Status: statusLabel(callErr), LatencyMs: time.Since(start).Milliseconds(),
		Account: account, RequestBody: string(reqBody), ResponseBody: strings.Join(joined, "\n"), Error: errString(callErr),
	})
}
