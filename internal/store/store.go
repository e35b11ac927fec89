// Package store implements C2: the durable mapping of accounts, API keys,
// request logs, and model mappings (§3, §6). Account mutability itself is
// owned by internal/accountpool and internal/token — this package only
// persists what they tell it to.
package store

import "context"

// AccountStatus mirrors §3's status enum.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusDisabled AccountStatus = "disabled"
	StatusError    AccountStatus = "error"
)

// Account is the persisted row (§3 Account fields).
type Account struct {
	ID                  int64
	Email               string
	RefreshToken        string
	AccessToken         string
	AccessTokenExpiresAt int64 // unix ms; 0 means never refreshed
	ProjectID           string
	Tier                string
	Status              AccountStatus
	ErrorCount          int
	LastUsedAt          int64 // unix ms; 0 means never used
	LastErrorAt         int64
	LastErrorMessage    string
}

// Cooldown is one (account, model) capacity-cooldown entry (§3).
type Cooldown struct {
	AccountID     int64
	Model         string
	CooldownUntil int64 // unix ms
	ResetHintMs   int64
}

// APIKey is a caller credential (§4.5 step 1, §3 supplement).
type APIKey struct {
	ID       int64
	KeyHash  string
	Label    string
	Disabled bool
}

// RequestLog is one append-only request record (§3).
type RequestLog struct {
	AccountID        int64 // 0 = none
	APIKeyID         int64 // 0 = none
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
	Status           string // "success" | "error"
	LatencyMs        int64
	ErrorMessage     string
	CreatedAt        int64
	RequestID        string
	AttemptNo        int
	AccountAttempt   int
	SameRetry        bool
}

// Store is everything the Dispatcher, Account Pool, and Token Manager need
// from durable storage.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *Account) (int64, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccountToken(ctx context.Context, id int64, accessToken string, expiresAt int64) error
	UpdateAccountDiscovery(ctx context.Context, id int64, projectID, tier string) error
	UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error
	TouchAccountUsed(ctx context.Context, id int64, usedAt int64) error
	RecordAccountError(ctx context.Context, id int64, at int64, message string) (errorCount int, err error)
	ResetAccountErrors(ctx context.Context, id int64) error
	DeleteAccount(ctx context.Context, id int64) error

	// Capacity cooldowns
	SetCooldown(ctx context.Context, c Cooldown) error
	ClearCooldown(ctx context.Context, accountID int64, model string) error
	GetCooldown(ctx context.Context, accountID int64, model string) (*Cooldown, error)
	ListCooldowns(ctx context.Context, model string) ([]Cooldown, error)

	// API keys
	CreateAPIKey(ctx context.Context, k *APIKey) (int64, error)
	LookupAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	// Model mappings
	SetModelMapping(ctx context.Context, callerModel, upstreamModel string) error
	GetModelMappings(ctx context.Context) (map[string]string, error)

	// Request logs
	AppendRequestLog(ctx context.Context, l *RequestLog) error

	Close() error
}
