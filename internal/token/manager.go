package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgebridge/assist-gateway/internal/clock"
	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/errorsx"
	"github.com/forgebridge/assist-gateway/internal/logging"
	"github.com/forgebridge/assist-gateway/internal/metrics"
	"github.com/forgebridge/assist-gateway/internal/store"
)

// ErrDuplicateAccount signals that discovery bound this refresh token to a
// project already claimed by another local account (§3 Lifecycle).
var ErrDuplicateAccount = errors.New("upstream reports duplicate project binding")

// Snapshot is the fresh (access_token, project_id, tier) triple returned by
// ensureValidToken (§4.1).
type Snapshot struct {
	AccessToken string
	ProjectID   string
	Tier        string
}

// Manager implements C3. Refresh coalescing (§4.1, P5, P10) is provided by
// golang.org/x/sync/singleflight keyed by account id — a genuinely new
// addition relative to the teacher, which refreshes tokens inline per
// request with no coalescing at all.
type Manager struct {
	cfg   *config.Config
	store store.Store
	clock clock.Clock
	sf    singleflight.Group
}

func NewManager(cfg *config.Config, st store.Store, c clock.Clock) *Manager {
	return &Manager{cfg: cfg, store: st, clock: c}
}

// EnsureValidToken is the C3 contract: returns a fresh snapshot per (A2),
// refreshing (and, on first use, discovering project/tier) only when
// required, blocking only the minimum time needed.
func (m *Manager) EnsureValidToken(ctx context.Context, accountID int64) (*Snapshot, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}

	if m.isFresh(acct) {
		return &Snapshot{AccessToken: acct.AccessToken, ProjectID: acct.ProjectID, Tier: acct.Tier}, nil
	}

	return m.coalescedRefresh(ctx, accountID)
}

// isFresh implements (A2): the access token is usable iff it exists and its
// expiry is beyond now + skew.
func (m *Manager) isFresh(a *store.Account) bool {
	if a.AccessToken == "" || a.AccessTokenExpiresAt == 0 {
		return false
	}
	skew := m.cfg.TokenRefreshSkewMs
	nowMs := m.clock.Now().UnixMilli()
	return a.AccessTokenExpiresAt > nowMs+skew
}

// coalescedRefresh ensures at most one refresh request is in flight per
// account id (P5): concurrent callers share the singleflight call's result
// and all observe the same new access_token (P10).
func (m *Manager) coalescedRefresh(ctx context.Context, accountID int64) (*Snapshot, error) {
	key := fmt.Sprintf("%d", accountID)

	v, err, shared := m.sf.Do(key, func() (any, error) {
		return m.refreshAndPersist(context.Background(), accountID)
	})
	if shared {
		metrics.RefreshCoalescedTotal.Inc()
	}
	if err != nil {
		return nil, err
	}
	snap := v.(*Snapshot)

	// Context cancellation is still honoured for the waiting caller even
	// though the shared refresh (deliberately run on a background context)
	// completes regardless — per §5, a cancelled caller must not block on
	// work that outlives it, but must not abort work shared by others.
	select {
	case <-ctx.Done():
		return nil, errorsx.NewCancelled("")
	default:
	}
	return snap, nil
}

// refreshAndPersist performs the actual refresh grant (and, if the account
// has never been discovered, project/tier discovery) and writes the result
// through the Store. This is the function singleflight deduplicates.
func (m *Manager) refreshAndPersist(ctx context.Context, accountID int64) (*Snapshot, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account %d: %w", accountID, err)
	}

	result, err := doRefresh(ctx, m.cfg, acct.RefreshToken)
	if err != nil {
		if re, ok := err.(*refreshError); ok && re.kind == refreshErrInvalidGrant {
			metrics.RefreshRequestsTotal.WithLabelValues("invalid_grant").Inc()
			_ = m.store.UpdateAccountStatus(ctx, accountID, store.StatusError)
			logging.Warn("[token] account %d refresh rejected (invalid_grant), marked error", accountID)
			return nil, errorsx.NewInvalidGrant(accountID, re.msg)
		}
		outcome := "upstream"
		if re, ok := err.(*refreshError); ok && re.kind == refreshErrTransient {
			outcome = "transient"
		}
		metrics.RefreshRequestsTotal.WithLabelValues(outcome).Inc()
		return nil, errorsx.NewUpstreamError(0, fmt.Sprintf("refresh failed for account %d: %v", accountID, err))
	}
	metrics.RefreshRequestsTotal.WithLabelValues("success").Inc()

	expiresAt := m.clock.Now().Add(time.Duration(result.ExpiresInS) * time.Second).UnixMilli()
	if err := m.store.UpdateAccountToken(ctx, accountID, result.AccessToken, expiresAt); err != nil {
		return nil, fmt.Errorf("persist refreshed token for account %d: %w", accountID, err)
	}

	projectID, tier := acct.ProjectID, acct.Tier
	if projectID == "" || tier == "" {
		disc, err := discoverProject(ctx, m.cfg, result.AccessToken)
		if err != nil {
			return nil, errorsx.NewUpstreamError(0, fmt.Sprintf("discovery failed for account %d: %v", accountID, err))
		}
		if disc.Duplicate {
			return nil, fmt.Errorf("account %d: %w", accountID, ErrDuplicateAccount)
		}
		projectID, tier = disc.ProjectID, disc.Tier
		if err := m.store.UpdateAccountDiscovery(ctx, accountID, projectID, tier); err != nil {
			return nil, fmt.Errorf("persist discovery for account %d: %w", accountID, err)
		}
	}

	return &Snapshot{AccessToken: result.AccessToken, ProjectID: projectID, Tier: tier}, nil
}

// ForceRefresh discards freshness and forces a coalesced refresh,
// returning only the new access token. Used by the Dispatcher to rebuild
// the upstream.RefreshFunc passed through to C6 for its one-shot
// 401-triggered retry (§4.4): a 401 means the cached token is already
// stale in upstream's eyes regardless of what (A2) says locally.
func (m *Manager) ForceRefresh(ctx context.Context, accountID int64) (string, error) {
	snap, err := m.coalescedRefresh(ctx, accountID)
	if err != nil {
		return "", err
	}
	return snap.AccessToken, nil
}

// InitializeAccount runs refresh → discover → mark active (§4.1), the
// one-time tail of account creation. If discovery reports a duplicate
// binding, the caller's newly created row is deleted and Duplicate is
// surfaced so the admin CLI can report it.
func (m *Manager) InitializeAccount(ctx context.Context, accountID int64) error {
	_, err := m.refreshAndPersist(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			_ = m.store.DeleteAccount(ctx, accountID)
		}
		return err
	}
	return m.store.UpdateAccountStatus(ctx, accountID, store.StatusActive)
}
