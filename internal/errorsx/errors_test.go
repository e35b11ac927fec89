package errorsx

import (
	"encoding/json"
	"testing"
)

func TestKindOfEachConstructor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"capacity", NewCapacityExhausted("busy", 5000), KindCapacityExhausted},
		{"invalid_grant", NewInvalidGrant(7, "nope"), KindInvalidGrant},
		{"upstream", NewUpstreamError(500, "boom"), KindUpstream},
		{"empty_upstream", NewEmptyUpstreamResponse(""), KindEmptyUpstream},
		{"cancelled", NewCancelled(""), KindCancelled},
		{"concurrency", NewConcurrencyRejected("gemini-2.5-pro"), KindConcurrencyRejected},
		{"no_accounts", NewNoAccounts("empty pool"), KindNoAccounts},
		{"all_limited", NewAllLimited("all cooling down"), KindAllLimited},
		{"all_busy", NewAllBusy("all locked"), KindAllBusy},
		{"client", NewClientError(401, "bad key"), KindClient},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := KindOf(c.err); got != c.want {
				t.Errorf("KindOf(%T) = %q, want %q", c.err, got, c.want)
			}
		})
	}
}

func TestKindOfUnknownError(t *testing.T) {
	if got := KindOf(errPlain("not ours")); got != "" {
		t.Errorf("KindOf(plain error) = %q, want empty", got)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestCapacityExhaustedResetHint(t *testing.T) {
	err := NewCapacityExhausted("please wait", 12000)
	if err.ResetHintMs != 12000 {
		t.Errorf("ResetHintMs = %d, want 12000", err.ResetHintMs)
	}
}

func TestEmptyUpstreamResponseDefaultMessage(t *testing.T) {
	err := NewEmptyUpstreamResponse("")
	if err.Message == "" {
		t.Error("expected a default message when none is supplied")
	}
}

func TestCancelledDefaultMessage(t *testing.T) {
	err := NewCancelled("")
	if err.Message != "client disconnected" {
		t.Errorf("Message = %q, want %q", err.Message, "client disconnected")
	}
}

func TestGatewayErrorMarshalJSONFlattensMetadata(t *testing.T) {
	err := NewUpstreamError(503, "unavailable")
	data, jerr := json.Marshal(err.GatewayError)
	if jerr != nil {
		t.Fatalf("Marshal: %v", jerr)
	}
	var out map[string]any
	if jerr := json.Unmarshal(data, &out); jerr != nil {
		t.Fatalf("Unmarshal: %v", jerr)
	}
	if out["statusCode"] != float64(503) {
		t.Errorf("statusCode = %v, want 503", out["statusCode"])
	}
	if out["kind"] != string(KindUpstream) {
		t.Errorf("kind = %v, want %v", out["kind"], KindUpstream)
	}
}
