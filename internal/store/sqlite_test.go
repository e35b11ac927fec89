package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetAccountRoundTrips(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateAccount(ctx, &Account{Email: "a@example.com", RefreshToken: "rt"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	a, err := st.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Email != "a@example.com" || a.RefreshToken != "rt" {
		t.Errorf("account = %+v", a)
	}
	if a.Status != StatusDisabled {
		t.Errorf("Status = %q, want a freshly created account to default to disabled", a.Status)
	}
}

func TestUpdateAccountTokenAndDiscovery(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateAccount(ctx, &Account{RefreshToken: "rt"})

	if err := st.UpdateAccountToken(ctx, id, "tok", 12345); err != nil {
		t.Fatalf("UpdateAccountToken: %v", err)
	}
	if err := st.UpdateAccountDiscovery(ctx, id, "proj", "standard"); err != nil {
		t.Fatalf("UpdateAccountDiscovery: %v", err)
	}
	if err := st.UpdateAccountStatus(ctx, id, StatusActive); err != nil {
		t.Fatalf("UpdateAccountStatus: %v", err)
	}

	a, _ := st.GetAccount(ctx, id)
	if a.AccessToken != "tok" || a.AccessTokenExpiresAt != 12345 {
		t.Errorf("token fields = %+v", a)
	}
	if a.ProjectID != "proj" || a.Tier != "standard" {
		t.Errorf("discovery fields = %+v", a)
	}
	if a.Status != StatusActive {
		t.Errorf("Status = %q, want active", a.Status)
	}
}

func TestListAccountsOrdersByID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id1, _ := st.CreateAccount(ctx, &Account{RefreshToken: "a"})
	id2, _ := st.CreateAccount(ctx, &Account{RefreshToken: "b"})

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 2 || accounts[0].ID != id1 || accounts[1].ID != id2 {
		t.Errorf("ListAccounts = %+v, want [%d, %d] in order", accounts, id1, id2)
	}
}

func TestRecordAccountErrorIncrementsAndResets(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateAccount(ctx, &Account{RefreshToken: "rt"})

	count, err := st.RecordAccountError(ctx, id, 100, "boom")
	if err != nil {
		t.Fatalf("RecordAccountError: %v", err)
	}
	if count != 1 {
		t.Errorf("error count = %d, want 1", count)
	}

	count, err = st.RecordAccountError(ctx, id, 200, "boom again")
	if err != nil {
		t.Fatalf("RecordAccountError: %v", err)
	}
	if count != 2 {
		t.Errorf("error count = %d, want 2", count)
	}

	if err := st.ResetAccountErrors(ctx, id); err != nil {
		t.Fatalf("ResetAccountErrors: %v", err)
	}
	a, _ := st.GetAccount(ctx, id)
	if a.ErrorCount != 0 {
		t.Errorf("ErrorCount after reset = %d, want 0", a.ErrorCount)
	}
}

func TestDeleteAccountAlsoDeletesCooldowns(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateAccount(ctx, &Account{RefreshToken: "rt"})

	if err := st.SetCooldown(ctx, Cooldown{AccountID: id, Model: "m", CooldownUntil: 999}); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	if err := st.DeleteAccount(ctx, id); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}

	if a, _ := st.GetAccount(ctx, id); a != nil {
		t.Error("expected the account to be gone after DeleteAccount")
	}
	c, err := st.GetCooldown(ctx, id, "m")
	if err != nil {
		t.Fatalf("GetCooldown: %v", err)
	}
	if c != nil {
		t.Error("expected the cooldown row to be cascaded away by DeleteAccount")
	}
}

func TestCooldownSetClearGetList(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id1, _ := st.CreateAccount(ctx, &Account{RefreshToken: "a"})
	id2, _ := st.CreateAccount(ctx, &Account{RefreshToken: "b"})

	if err := st.SetCooldown(ctx, Cooldown{AccountID: id1, Model: "m", CooldownUntil: 1000, ResetHintMs: 30000}); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}
	if err := st.SetCooldown(ctx, Cooldown{AccountID: id2, Model: "m", CooldownUntil: 2000}); err != nil {
		t.Fatalf("SetCooldown: %v", err)
	}

	c, err := st.GetCooldown(ctx, id1, "m")
	if err != nil || c == nil {
		t.Fatalf("GetCooldown: %v, %+v", err, c)
	}
	if c.CooldownUntil != 1000 || c.ResetHintMs != 30000 {
		t.Errorf("cooldown = %+v", c)
	}

	list, err := st.ListCooldowns(ctx, "m")
	if err != nil || len(list) != 2 {
		t.Fatalf("ListCooldowns = %+v, err=%v", list, err)
	}

	if err := st.ClearCooldown(ctx, id1, "m"); err != nil {
		t.Fatalf("ClearCooldown: %v", err)
	}
	if c, _ := st.GetCooldown(ctx, id1, "m"); c != nil {
		t.Error("expected the cooldown to be gone after ClearCooldown")
	}
}

func TestSetCooldownUpsertsOnConflict(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateAccount(ctx, &Account{RefreshToken: "rt"})

	st.SetCooldown(ctx, Cooldown{AccountID: id, Model: "m", CooldownUntil: 1000})
	st.SetCooldown(ctx, Cooldown{AccountID: id, Model: "m", CooldownUntil: 5000})

	c, _ := st.GetCooldown(ctx, id, "m")
	if c.CooldownUntil != 5000 {
		t.Errorf("CooldownUntil = %d, want the upserted 5000", c.CooldownUntil)
	}
}

func TestAPIKeyCreateAndLookup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.CreateAPIKey(ctx, &APIKey{KeyHash: "hash1", Label: "ci"})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	k, err := st.LookupAPIKey(ctx, "hash1")
	if err != nil || k == nil {
		t.Fatalf("LookupAPIKey: %v, %+v", err, k)
	}
	if k.ID != id || k.Label != "ci" || k.Disabled {
		t.Errorf("key = %+v", k)
	}

	missing, err := st.LookupAPIKey(ctx, "no-such-hash")
	if err != nil || missing != nil {
		t.Errorf("expected a nil, nil result for an unknown hash, got %+v, %v", missing, err)
	}
}

func TestModelMappingSetAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.SetModelMapping(ctx, "gpt-4o", "gemini-2.5-pro"); err != nil {
		t.Fatalf("SetModelMapping: %v", err)
	}
	if err := st.SetModelMapping(ctx, "gpt-4o", "gemini-2.5-flash"); err != nil {
		t.Fatalf("SetModelMapping (update): %v", err)
	}

	mappings, err := st.GetModelMappings(ctx)
	if err != nil {
		t.Fatalf("GetModelMappings: %v", err)
	}
	if mappings["gpt-4o"] != "gemini-2.5-flash" {
		t.Errorf("mappings = %+v, want the later SetModelMapping to win", mappings)
	}
}

func TestAppendRequestLog(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id, _ := st.CreateAccount(ctx, &Account{RefreshToken: "rt"})

	err := st.AppendRequestLog(ctx, &RequestLog{
		AccountID: id, Model: "gemini-2.5-pro", Status: "success",
		LatencyMs: 120, CreatedAt: 1000, RequestID: "agent-1", AttemptNo: 1, AccountAttempt: 1,
	})
	if err != nil {
		t.Fatalf("AppendRequestLog: %v", err)
	}
}

func TestAppendRequestLogWithZeroAccountID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.AppendRequestLog(ctx, &RequestLog{
		AccountID: 0, Model: "m", Status: "error", CreatedAt: 1000, RequestID: "agent-2",
	})
	if err != nil {
		t.Fatalf("AppendRequestLog with no account should succeed (nullable FK): %v", err)
	}
}
