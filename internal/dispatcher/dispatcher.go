// Package dispatcher implements C7: the per-request state machine wiring
// C3-C6 (§4.5). The streaming-header/event-select-loop shape is adapted
// from the teacher's go-backend/internal/server/handlers/messages.go
// (Messages/handleStreamingResponse), but the attempt loop itself is new —
// the teacher performs all retry/backoff logic inline inside the cloudcode
// client; this spec assigns it to the Dispatcher, leaving C6 to raise
// typed errors only.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/forgebridge/assist-gateway/internal/accountpool"
	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/errorsx"
	"github.com/forgebridge/assist-gateway/internal/logging"
	"github.com/forgebridge/assist-gateway/internal/metrics"
	"github.com/forgebridge/assist-gateway/internal/modellog"
	"github.com/forgebridge/assist-gateway/internal/ratelimit"
	"github.com/forgebridge/assist-gateway/internal/store"
	"github.com/forgebridge/assist-gateway/internal/upstream"
)

// Clock is the minimal time/sleep surface the dispatcher needs.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// AccountPool is the subset of accountpool.Pool the dispatcher drives.
type AccountPool interface {
	GetBestAccount(ctx context.Context, model string) (*accountpool.Selected, error)
	UnlockAccount(id int64)
	MarkCapacityLimited(ctx context.Context, id int64, model, message string) error
	MarkCapacityRecovered(ctx context.Context, id int64, model string) error
	MarkAccountError(ctx context.Context, id int64, errMessage string) error
}

// Limiter is the subset of ratelimit.Limiter the dispatcher drives.
type Limiter interface {
	AcquireModelSlot(model string) bool
	ReleaseModelSlot(model string)
}

// UpstreamClient is the subset of upstream.Client the dispatcher drives.
type UpstreamClient interface {
	Chat(ctx context.Context, env upstream.Envelope, accessToken string, account modellog.AccountSummary, refresh upstream.RefreshFunc) (*upstream.ChatResult, error)
	StreamChat(ctx context.Context, env upstream.Envelope, accessToken string, account modellog.AccountSummary, refresh upstream.RefreshFunc, emit upstream.Emit) error
}

// TokenRefresher forces a fresh token for an account (used to build the
// upstream.RefreshFunc passed through to C6 for the 401 retry).
type TokenRefresher interface {
	ForceRefresh(ctx context.Context, accountID int64) (accessToken string, err error)
}

// Dispatcher wires C3-C6 per §2's control-flow line and §4.5's operation
// list.
type Dispatcher struct {
	cfg     *config.Config
	pool    AccountPool
	limiter Limiter
	upc     UpstreamClient
	tokens  TokenRefresher
	store   store.Store
	clock   Clock
}

func New(cfg *config.Config, pool AccountPool, limiter Limiter, upc UpstreamClient, tokens TokenRefresher, st store.Store, c Clock) *Dispatcher {
	return &Dispatcher{cfg: cfg, pool: pool, limiter: limiter, upc: upc, tokens: tokens, store: st, clock: c}
}

// Request is one inbound call, already authenticated (§4.5 step 1) and
// normalised to the native dialect (model resolved, body opaque bytes).
type Request struct {
	APIKeyID  int64
	Model     string // resolved/aliased upstream model id
	Body      []byte // caller's normalised inner request (sessionId/candidateCount not yet injected)
	RequestID string
}

// Outcome is the result of a non-streaming dispatch.
type Outcome struct {
	Body       []byte
	StatusCode int
	ErrorCode  string // "" on success
}

// NewRequestID synthesises an "agent-<uuid>" request id (§6), used by the
// HTTP layer when constructing a Request.
func NewRequestID() string { return "agent-" + uuid.NewString() }

// HandleGenerate implements handleGenerate (§4.5): authenticate is assumed
// already done by the caller (the HTTP layer), slot->attempt-loop->finally
// here.
func (d *Dispatcher) HandleGenerate(ctx context.Context, req Request) Outcome {
	start := d.clock.Now()

	if !d.limiter.AcquireModelSlot(req.Model) {
		d.logRequest(ctx, req, 0, 0, 1, false, "error", "Model concurrency limit reached", start, nil)
		return Outcome{StatusCode: 429, ErrorCode: "model_concurrency_limit",
			Body: errorBody("Model concurrency limit reached, please retry later", "model_concurrency_limit")}
	}
	defer d.limiter.ReleaseModelSlot(req.Model)

	maxAttempts := d.cfg.CapacityRetries + 1
	var lastErr error
	var accountID int64

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			d.logRequest(ctx, req, 0, attempt, 0, false, "error", "client disconnected", start, nil)
			return Outcome{StatusCode: 499, ErrorCode: "cancelled", Body: errorBody("client disconnected", "cancelled")}
		default:
		}

		sel, err := d.pool.GetBestAccount(ctx, req.Model)
		if err != nil {
			lastErr = err
			if errorsx.KindOf(err) == errorsx.KindCancelled {
				break
			}
			continue
		}
		accountID = sel.Account.ID

		env, err := d.buildEnvelope(sel.Account.ProjectID, req)
		if err != nil {
			d.pool.UnlockAccount(accountID)
			lastErr = err
			break
		}

		result, callErr := d.upc.Chat(ctx, env, sel.Snapshot.AccessToken, accountSummary(sel.Account), d.refreshFn(accountID))
		d.pool.UnlockAccount(accountID)

		if callErr == nil {
			_ = d.pool.MarkCapacityRecovered(ctx, accountID, req.Model)
			d.logSuccess(ctx, req, accountID, attempt, result.UsageMetadata, start)
			metrics.DispatchAttemptsTotal.WithLabelValues(req.Model, "success").Inc()
			metrics.RequestDuration.WithLabelValues(req.Model, "success").Observe(d.clock.Now().Sub(start).Seconds())
			return Outcome{StatusCode: 200, Body: result.Body}
		}

		lastErr = callErr
		if errorsx.KindOf(callErr) == errorsx.KindCapacityExhausted {
			metrics.DispatchAttemptsTotal.WithLabelValues(req.Model, "capacity_exhausted").Inc()
			_ = d.pool.MarkCapacityLimited(ctx, accountID, req.Model, callErr.Error())
			if attempt < maxAttempts {
				d.sleepCapacityBackoff(ctx, callErr, attempt)
				continue
			}
			break
		}

		metrics.DispatchAttemptsTotal.WithLabelValues(req.Model, "error").Inc()
		_ = d.pool.MarkAccountError(ctx, accountID, callErr.Error())
		break
	}

	metrics.RequestDuration.WithLabelValues(req.Model, "error").Observe(d.clock.Now().Sub(start).Seconds())
	return d.finalizeError(ctx, req, accountID, maxAttempts, lastErr, start)
}

// HandleStreamGenerate implements handleStreamGenerate (§4.5), including
// the stream prelude and the streaming-mid-failure rule (§4.5, P12): once
// emit has been called at least once, a subsequent error is surfaced
// in-stream and the attempt loop stops, regardless of its kind.
func (d *Dispatcher) HandleStreamGenerate(ctx context.Context, req Request, w StreamWriter) {
	start := d.clock.Now()
	w.Prelude()

	if !d.limiter.AcquireModelSlot(req.Model) {
		d.logRequest(ctx, req, 0, 0, 1, true, "error", "Model concurrency limit reached", start, nil)
		w.Error("Model concurrency limit reached, please retry later", "model_concurrency_limit")
		w.Close()
		return
	}
	defer d.limiter.ReleaseModelSlot(req.Model)

	maxAttempts := d.cfg.CapacityRetries + 1
	var lastErr error
	var accountID int64
	emitted := false
	var lastUsage json.RawMessage

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			d.logRequest(ctx, req, accountID, attempt, attempt, true, "error", "client disconnected", start, nil)
			if !emitted {
				w.Error("client disconnected", "cancelled")
			}
			w.Close()
			return
		default:
		}

		sel, err := d.pool.GetBestAccount(ctx, req.Model)
		if err != nil {
			lastErr = err
			if errorsx.KindOf(err) == errorsx.KindCancelled {
				break
			}
			continue
		}
		accountID = sel.Account.ID

		env, err := d.buildEnvelope(sel.Account.ProjectID, req)
		if err != nil {
			d.pool.UnlockAccount(accountID)
			lastErr = err
			break
		}

		callErr := d.upc.StreamChat(ctx, env, sel.Snapshot.AccessToken, accountSummary(sel.Account), d.refreshFn(accountID),
			func(event []byte, usage json.RawMessage) error {
				if usage != nil {
					lastUsage = usage
				}
				emitted = true
				return w.Event(event)
			})
		d.pool.UnlockAccount(accountID)

		if callErr == nil {
			_ = d.pool.MarkCapacityRecovered(ctx, accountID, req.Model)
			d.logSuccess(ctx, req, accountID, attempt, lastUsage, start)
			metrics.DispatchAttemptsTotal.WithLabelValues(req.Model, "success").Inc()
			metrics.RequestDuration.WithLabelValues(req.Model, "success").Observe(d.clock.Now().Sub(start).Seconds())
			w.Close()
			return
		}

		lastErr = callErr
		kind := errorsx.KindOf(callErr)

		// Bookkeeping (cooldown / error-count) happens unconditionally, per
		// §7: every CapacityExhausted hit records a cooldown on the
		// offending (account, model) pair regardless of whether a retry
		// follows. Only the retry decision itself is gated by the
		// streaming-mid-failure rule (§4.5): no retry once bytes flowed.
		if kind == errorsx.KindCapacityExhausted {
			metrics.DispatchAttemptsTotal.WithLabelValues(req.Model, "capacity_exhausted").Inc()
			_ = d.pool.MarkCapacityLimited(ctx, accountID, req.Model, callErr.Error())
		} else {
			metrics.DispatchAttemptsTotal.WithLabelValues(req.Model, "error").Inc()
			_ = d.pool.MarkAccountError(ctx, accountID, callErr.Error())
		}

		if emitted {
			break
		}
		if kind == errorsx.KindCapacityExhausted && attempt < maxAttempts {
			d.sleepCapacityBackoff(ctx, callErr, attempt)
			continue
		}
		break
	}

	d.writeStreamError(w, lastErr)
	d.logRequest(ctx, req, accountID, maxAttempts, maxAttempts, true, "error", errString(lastErr), start, nil)
	metrics.RequestDuration.WithLabelValues(req.Model, "error").Observe(d.clock.Now().Sub(start).Seconds())
	w.Close()
}

func (d *Dispatcher) writeStreamError(w StreamWriter, err error) {
	if err == nil {
		w.Error("internal error", "internal_error")
		return
	}
	msg, code := classifyForHTTP(err)
	w.Error(msg, code)
}

func (d *Dispatcher) buildEnvelope(projectID string, req Request) (upstream.Envelope, error) {
	normalized, err := upstream.NormalizeInnerBody(req.Body)
	if err != nil {
		return upstream.Envelope{}, err
	}
	return upstream.Envelope{
		ProjectID:   projectID,
		RequestID:   req.RequestID,
		InnerBody:   normalized,
		Model:       req.Model,
		RequestType: d.requestType(req.Model),
	}, nil
}

func (d *Dispatcher) requestType(model string) string {
	if d.cfg.IsImageGenModel(model) {
		return "image_gen"
	}
	return "agent"
}

func (d *Dispatcher) refreshFn(accountID int64) upstream.RefreshFunc {
	return func(ctx context.Context) (string, error) {
		return d.tokens.ForceRefresh(ctx, accountID)
	}
}

func (d *Dispatcher) sleepCapacityBackoff(ctx context.Context, err error, attempt int) {
	wait := time.Duration(d.cfg.CapacityRetryDelayMs) * time.Duration(attempt) * time.Millisecond
	if ce, ok := err.(*errorsx.CapacityExhaustedError); ok && ce.ResetHintMs > 0 {
		wait = time.Duration(ce.ResetHintMs) * time.Millisecond
	}
	_ = d.clock.Sleep(ctx, wait)
}

func (d *Dispatcher) finalizeError(ctx context.Context, req Request, accountID int64, attempts int, err error, start time.Time) Outcome {
	msg, code := classifyForHTTP(err)
	status := 500
	if code == "rate_limit_exceeded" {
		status = 429
	}
	d.logRequest(ctx, req, accountID, attempts, attempts, false, "error", msg, start, nil)
	return Outcome{StatusCode: status, ErrorCode: code, Body: errorBody(msg, code)}
}

func classifyForHTTP(err error) (message, code string) {
	if err == nil {
		return "internal error", "internal_error"
	}
	switch errorsx.KindOf(err) {
	case errorsx.KindCapacityExhausted, errorsx.KindAllLimited, errorsx.KindAllBusy:
		return err.Error(), "rate_limit_exceeded"
	case errorsx.KindEmptyUpstream:
		return err.Error(), "empty_upstream_response"
	case errorsx.KindCancelled:
		return err.Error(), "cancelled"
	default:
		return err.Error(), "internal_error"
	}
}

func errorBody(message, code string) []byte {
	b, _ := json.Marshal(map[string]any{"error": map[string]any{"message": message, "code": code}})
	return b
}

func accountSummary(a *store.Account) modellog.AccountSummary {
	return modellog.AccountSummary{ID: a.ID, Email: a.Email, Tier: a.Tier}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Dispatcher) logSuccess(ctx context.Context, req Request, accountID int64, attempt int, usage json.RawMessage, start time.Time) {
	var u struct {
		PromptTokens     int `json:"promptTokenCount"`
		CompletionTokens int `json:"candidatesTokenCount"`
		TotalTokens      int `json:"totalTokenCount"`
		ThinkingTokens   int `json:"thoughtsTokenCount"`
	}
	if usage != nil {
		_ = json.Unmarshal(usage, &u)
	}
	d.logRequestFull(ctx, req, accountID, attempt, attempt, false, "success", "", start, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.ThinkingTokens)
}

func (d *Dispatcher) logRequest(ctx context.Context, req Request, accountID int64, attempt, accountAttempt int, streaming bool, status, errMsg string, start time.Time, _ any) {
	d.logRequestFull(ctx, req, accountID, attempt, accountAttempt, streaming, status, errMsg, start, 0, 0, 0, 0)
}

func (d *Dispatcher) logRequestFull(ctx context.Context, req Request, accountID int64, attempt, accountAttempt int, streaming bool, status, errMsg string, start time.Time, promptTok, completionTok, totalTok, thinkingTok int) {
	l := &store.RequestLog{
		AccountID: accountID, APIKeyID: req.APIKeyID, Model: req.Model,
		PromptTokens: promptTok, CompletionTokens: completionTok, TotalTokens: totalTok, ThinkingTokens: thinkingTok,
		Status: status, LatencyMs: d.clock.Now().Sub(start).Milliseconds(), ErrorMessage: errMsg,
		CreatedAt: d.clock.Now().UnixMilli(), RequestID: req.RequestID, AttemptNo: attempt, AccountAttempt: accountAttempt,
	}
	if err := d.store.AppendRequestLog(ctx, l); err != nil {
		logging.Warn("[dispatcher] failed to append request log: %v", err)
	}
}
