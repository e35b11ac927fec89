// Package token implements C3: credential lifecycle (refresh, discovery,
// initialization) and refresh coalescing. The refresh-grant request is
// adapted from the teacher's go-backend/internal/auth/oauth.go
// RefreshAccessToken, but issued through golang.org/x/oauth2 instead of a
// hand-rolled form-POST, and discovery is adapted from the teacher's
// DiscoverProjectID / OnboardUser sequence.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/upstream"
)

// RefreshParts are the components of a composite refresh token, formatted
// "refreshToken|projectId|managedProjectId" — the persisted representation
// kept from the teacher's RefreshParts.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

func ParseRefreshParts(composite string) RefreshParts {
	parts := strings.Split(composite, "|")
	var p RefreshParts
	if len(parts) > 0 {
		p.RefreshToken = parts[0]
	}
	if len(parts) > 1 {
		p.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		p.ManagedProjectID = parts[2]
	}
	return p
}

func FormatRefreshParts(p RefreshParts) string {
	base := fmt.Sprintf("%s|%s", p.RefreshToken, p.ProjectID)
	if p.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, p.ManagedProjectID)
	}
	return base
}

// oauthConfig builds the oauth2.Config used for the refresh grant. The
// upstream doesn't expose an authorization endpoint we use at runtime (the
// admin CLI handles interactive auth out of band), so only TokenURL matters
// here.
func oauthConfig(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.OAuthTokenURL,
		},
	}
}

// RefreshResult is the outcome of a successful refresh grant.
type RefreshResult struct {
	AccessToken string
	ExpiresInS  int64
}

// refreshErrorKind classifies the failure so callers (the Manager) can tell
// InvalidGrant (terminal, per §4.1) apart from transient/upstream failures.
type refreshErrorKind int

const (
	refreshErrTransient refreshErrorKind = iota
	refreshErrInvalidGrant
	refreshErrUpstream
)

type refreshError struct {
	kind refreshErrorKind
	msg  string
}

func (e *refreshError) Error() string { return e.msg }

// doRefresh performs the refresh_token grant against cfg.OAuthTokenURL via
// golang.org/x/oauth2's TokenSource, replacing the teacher's hand-rolled
// url.Values POST.
func doRefresh(ctx context.Context, cfg *config.Config, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)
	oc := oauthConfig(cfg)

	src := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: parts.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	return &RefreshResult{
		AccessToken: tok.AccessToken,
		ExpiresInS:  extractExpiresIn(tok),
	}, nil
}

// extractExpiresIn recovers expires_in from the raw token response, since
// oauth2.Token only stores an absolute Expiry.
func extractExpiresIn(tok *oauth2.Token) int64 {
	if raw, ok := tok.Extra("expires_in").(float64); ok {
		return int64(raw)
	}
	if raw, ok := tok.Extra("expires_in").(json.Number); ok {
		if n, err := raw.Int64(); err == nil {
			return n
		}
	}
	// Fall back to 3600s, the upstream's documented default lifetime.
	return 3600
}

// classifyOAuthError maps an oauth2 retrieval error onto the taxonomy C3
// needs: a rejected refresh_token ("invalid_grant") is terminal for the
// account (§4.1); anything else is treated as transient/upstream.
func classifyOAuthError(err error) *refreshError {
	var rErr *oauth2.RetrieveError
	if asRetrieveError(err, &rErr) {
		if rErr.ErrorCode == "invalid_grant" {
			return &refreshError{kind: refreshErrInvalidGrant, msg: rErr.Error()}
		}
		if rErr.Response != nil && rErr.Response.StatusCode >= 500 {
			return &refreshError{kind: refreshErrTransient, msg: rErr.Error()}
		}
		return &refreshError{kind: refreshErrUpstream, msg: rErr.Error()}
	}
	return &refreshError{kind: refreshErrTransient, msg: err.Error()}
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	for err != nil {
		if re, ok := err.(*oauth2.RetrieveError); ok {
			*target = re
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// discoveryResult is what the "load/onboard user" sequence yields.
type discoveryResult struct {
	ProjectID string
	Tier      string
	Duplicate bool
}

// discoverProject calls the upstream loadCodeAssist endpoint and, if no
// project is bound yet, onboardUser — adapted from the teacher's
// DiscoverProjectID / OnboardUser, collapsed into one function because the
// new Store-backed Manager persists project_id and tier together.
func discoverProject(ctx context.Context, cfg *config.Config, accessToken string) (*discoveryResult, error) {
	loadBody := map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}

	data, err := postJSON(ctx, cfg.AntigravityEndpoint()+"/v1internal:loadCodeAssist", accessToken, loadBody)
	if err != nil {
		return nil, &refreshError{kind: refreshErrUpstream, msg: err.Error()}
	}

	if pid := extractProjectID(data); pid != "" {
		return &discoveryResult{ProjectID: pid, Tier: extractTier(data)}, nil
	}

	tierID := defaultTierID(data)
	if tierID == "" {
		tierID = "FREE"
	}

	onboardBody := map[string]any{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	onData, err := postJSON(ctx, cfg.AntigravityEndpoint()+"/v1internal:onboardUser", accessToken, onboardBody)
	if err != nil {
		return nil, &refreshError{kind: refreshErrUpstream, msg: err.Error()}
	}

	if dup, _ := onData["duplicateAccount"].(bool); dup {
		return &discoveryResult{Duplicate: true}, nil
	}

	pid := extractProjectID(onData)
	if pid == "" {
		return nil, &refreshError{kind: refreshErrUpstream, msg: "onboarding did not return a project id"}
	}
	return &discoveryResult{ProjectID: pid, Tier: tierID}, nil
}

func postJSON(ctx context.Context, url, accessToken string, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	upstream.ApplyClientHeaders(req.Header.Set)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery request to %s failed with status %d", url, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func extractProjectID(data map[string]any) string {
	if s, ok := data["cloudaicompanionProject"].(string); ok && s != "" {
		return s
	}
	if obj, ok := data["cloudaicompanionProject"].(map[string]any); ok {
		if s, ok := obj["id"].(string); ok {
			return s
		}
	}
	return ""
}

func extractTier(data map[string]any) string {
	if s, ok := data["currentTier"].(string); ok {
		return s
	}
	return defaultTierID(data)
}

func defaultTierID(data map[string]any) string {
	tiers, ok := data["allowedTiers"].([]any)
	if !ok || len(tiers) == 0 {
		return ""
	}
	for _, t := range tiers {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if def, _ := tm["isDefault"].(bool); def {
			if id, ok := tm["id"].(string); ok {
				return id
			}
		}
	}
	if first, ok := tiers[0].(map[string]any); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}
