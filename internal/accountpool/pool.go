// Package accountpool implements C4: account selection, locking, cooldowns,
// and capacity tracking. Grounded on the teacher's
// go-backend/internal/account/manager.go (single struct + mutex-guarded
// slice, lock/unlock-by-id idiom, NoAccountsError shape) but replaces the
// teacher's pluggable strategy system (sticky/round-robin/hybrid/health-
// score) with the spec's single deterministic policy (§4.2), and replaces
// the teacher's Redis-backed rate-limit TTLs with Store-persisted cooldowns
// plus an in-memory broadcast channel for suspension. Every state change
// wakes all blocked waiters at once; which of them claims a freed account
// is not tied to arrival order.
package accountpool

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/errorsx"
	"github.com/forgebridge/assist-gateway/internal/logging"
	"github.com/forgebridge/assist-gateway/internal/metrics"
	"github.com/forgebridge/assist-gateway/internal/store"
	"github.com/forgebridge/assist-gateway/internal/token"
)

// Clock is the subset of clock.Clock the pool needs; declared locally so
// tests can fake it without importing the concrete package.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// TokenManager is the subset of token.Manager the pool needs.
type TokenManager interface {
	EnsureValidToken(ctx context.Context, accountID int64) (*token.Snapshot, error)
}

// Selected is what GetBestAccount hands back: the locked account plus its
// already-validated credential snapshot, avoiding a second round trip to C3.
type Selected struct {
	Account  *store.Account
	Snapshot *token.Snapshot
}

var resetAfterRe = regexp.MustCompile(`reset after (\d+)\s*s`)

const (
	defaultCooldownBase = 60 * time.Second
	defaultCooldownCap  = 10 * time.Minute
)

// Pool implements C4. All mutations are serialised by mu, matching §4.2's
// "single pool-wide critical section" requirement.
type Pool struct {
	mu      sync.Mutex
	cfg     *config.Config
	store   store.Store
	tokens  TokenManager
	clock   Clock
	locked  map[int64]bool
	cooldownHits map[string]int // "accountID:model" -> consecutive hint-less hits, for tiered backoff
	changed chan struct{}       // closed and replaced on every state change waiters care about
}

func New(cfg *config.Config, st store.Store, tokens TokenManager, c Clock) *Pool {
	return &Pool{
		cfg:          cfg,
		store:        st,
		tokens:       tokens,
		clock:        c,
		locked:       map[int64]bool{},
		cooldownHits: map[string]int{},
		changed:      make(chan struct{}),
	}
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// GetBestAccount selects, locks, and returns an account eligible for model,
// ensuring its token is valid before return (§4.2). It suspends until one
// becomes available, the caller cancels, or accountWaitMs elapses.
func (p *Pool) GetBestAccount(ctx context.Context, model string) (*Selected, error) {
	deadline := p.clock.Now().Add(time.Duration(p.cfg.AccountWaitMs) * time.Millisecond)

	for {
		p.mu.Lock()

		accounts, err := p.store.ListAccounts(ctx)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if len(accounts) == 0 {
			p.mu.Unlock()
			return nil, errorsx.NewNoAccounts("no accounts configured")
		}

		cooldownSet, err := p.cooldownSet(ctx, model)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}

		candidates := p.eligible(accounts, model, cooldownSet)
		if len(candidates) > 0 {
			chosen := p.pick(candidates, model)
			p.locked[chosen.ID] = true
			now := p.clock.Now().UnixMilli()
			_ = p.store.TouchAccountUsed(ctx, chosen.ID, now)
			p.mu.Unlock()

			snap, err := p.tokens.EnsureValidToken(ctx, chosen.ID)
			if err != nil {
				p.mu.Lock()
				delete(p.locked, chosen.ID)
				p.notifyLocked()
				p.mu.Unlock()

				if errorsx.KindOf(err) == errorsx.KindInvalidGrant {
					_ = p.store.UpdateAccountStatus(ctx, chosen.ID, store.StatusError)
					logging.Warn("[accountpool] account %d invalid_grant, marked error and reselecting", chosen.ID)
					continue
				}
				// Transient ensureValidToken failure: release and surface
				// so the caller's attempt loop counts this against its
				// own retry budget (§4.2).
				return nil, err
			}

			return &Selected{Account: chosen, Snapshot: snap}, nil
		}

		allLimited := p.allInCooldown(accounts, cooldownSet)
		now := p.clock.Now()
		if !now.Before(deadline) {
			p.mu.Unlock()
			if allLimited {
				return nil, errorsx.NewAllLimited("all accounts are in capacity cooldown for this model")
			}
			return nil, errorsx.NewAllBusy("no account became available within the wait budget")
		}

		changed := p.changed
		p.mu.Unlock()

		remaining := deadline.Sub(now)
		if err := p.wait(ctx, changed, remaining); err != nil {
			return nil, err
		}
	}
}

// allInCooldown reports whether, ignoring lock state, every account
// otherwise eligible for model is in capacity cooldown — distinguishing the
// AllLimited failure reason from AllBusy (locked but not cooled down).
func (p *Pool) allInCooldown(accounts []*store.Account, cooldownSet map[int64]bool) bool {
	for _, a := range accounts {
		if a.Status != store.StatusActive || a.ProjectID == "" || a.Tier == "" {
			continue
		}
		if !cooldownSet[a.ID] {
			return false
		}
	}
	return true
}

func (p *Pool) wait(ctx context.Context, changed chan struct{}, remaining time.Duration) error {
	if remaining <= 0 {
		remaining = 0
	}
	done := make(chan struct{})
	go func() {
		_ = p.clock.Sleep(ctx, remaining)
		close(done)
	}()

	select {
	case <-ctx.Done():
		return errorsx.NewCancelled("")
	case <-changed:
		return nil
	case <-done:
		return nil
	}
}

// eligible filters to accounts satisfying (A3) for model.
func (p *Pool) eligible(accounts []*store.Account, model string, cooldownSet map[int64]bool) []*store.Account {
	var out []*store.Account
	for _, a := range accounts {
		if a.Status != store.StatusActive || a.ProjectID == "" || a.Tier == "" {
			continue
		}
		if p.locked[a.ID] {
			continue
		}
		if cooldownSet[a.ID] {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (p *Pool) cooldownSet(ctx context.Context, model string) (map[int64]bool, error) {
	list, err := p.store.ListCooldowns(ctx, model)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now().UnixMilli()
	set := map[int64]bool{}
	for _, c := range list {
		if now < c.CooldownUntil {
			set[c.AccountID] = true
		}
	}
	return set, nil
}

// pick applies the selection policy (§4.2): preferred tier, then LRU, then
// ascending id.
func (p *Pool) pick(candidates []*store.Account, model string) *store.Account {
	preferred := p.cfg.PreferredTiers[model]
	tierRank := func(tier string) int {
		for i, t := range preferred {
			if t == tier {
				return i
			}
		}
		return len(preferred)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ra, rb := tierRank(a.Tier), tierRank(b.Tier)
		if ra != rb {
			return ra < rb
		}
		if a.LastUsedAt != b.LastUsedAt {
			return a.LastUsedAt < b.LastUsedAt // 0 (never used) sorts first
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// UnlockAccount releases the exclusive lock; idempotent (P9).
func (p *Pool) UnlockAccount(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.locked[id] {
		return
	}
	delete(p.locked, id)
	p.notifyLocked()
}

// MarkCapacityLimited sets cooldown_until for (id, model) (§4.2). If the
// message carries a "reset after Ns" hint, that (plus a 1s cushion) is used;
// otherwise a tiered default escalates per consecutive hint-less hit on this
// pair, per §9 open question (b): the hint format is best-effort, never a
// contract.
func (p *Pool) MarkCapacityLimited(ctx context.Context, id int64, model, message string) error {
	var d time.Duration
	var resetHintMs int64

	if m := resetAfterRe.FindStringSubmatch(message); len(m) == 2 {
		secs, _ := strconv.Atoi(m[1])
		resetHintMs = int64(secs) * 1000
		d = time.Duration(secs)*time.Second + time.Second
	} else {
		key := cooldownKey(id, model)
		p.mu.Lock()
		p.cooldownHits[key]++
		hits := p.cooldownHits[key]
		p.mu.Unlock()

		d = defaultCooldownBase
		for i := 1; i < hits; i++ {
			d *= 2
			if d > defaultCooldownCap {
				d = defaultCooldownCap
				break
			}
		}
	}

	until := p.clock.Now().Add(d).UnixMilli()
	if err := p.store.SetCooldown(ctx, store.Cooldown{AccountID: id, Model: model, CooldownUntil: until, ResetHintMs: resetHintMs}); err != nil {
		return err
	}
	p.refreshCooldownGauge(ctx, model)
	return nil
}

func (p *Pool) refreshCooldownGauge(ctx context.Context, model string) {
	set, err := p.cooldownSet(ctx, model)
	if err != nil {
		return
	}
	metrics.AccountsInCooldown.WithLabelValues(model).Set(float64(len(set)))
}

// MarkCapacityRecovered clears the cooldown entry for (id, model) (§4.2, P7, P8).
func (p *Pool) MarkCapacityRecovered(ctx context.Context, id int64, model string) error {
	p.mu.Lock()
	delete(p.cooldownHits, cooldownKey(id, model))
	p.mu.Unlock()
	if err := p.store.ClearCooldown(ctx, id, model); err != nil {
		return err
	}
	p.refreshCooldownGauge(ctx, model)
	return nil
}

// MarkAccountError increments error_count; past errorThreshold the account
// flips to status=error (§4.2, A4 counterpart).
func (p *Pool) MarkAccountError(ctx context.Context, id int64, errMessage string) error {
	count, err := p.store.RecordAccountError(ctx, id, p.clock.Now().UnixMilli(), errMessage)
	if err != nil {
		return err
	}
	if count > p.cfg.ErrorThreshold {
		if err := p.store.UpdateAccountStatus(ctx, id, store.StatusError); err != nil {
			return err
		}
		logging.Warn("[accountpool] account %d exceeded error threshold (%d), marked error", id, count)
	}
	return nil
}

func cooldownKey(id int64, model string) string {
	return strconv.FormatInt(id, 10) + ":" + model
}
