package chatapi

import "testing"

func TestModelAndStreamExtraction(t *testing.T) {
	body := []byte(`{"model":"gemini-2.5-pro","stream":true}`)
	if got := Model(body); got != "gemini-2.5-pro" {
		t.Errorf("Model = %q, want gemini-2.5-pro", got)
	}
	if !Stream(body) {
		t.Error("Stream = false, want true")
	}
}

func TestStreamDefaultsFalseWhenAbsent(t *testing.T) {
	if Stream([]byte(`{"model":"m"}`)) {
		t.Error("Stream should default to false when the field is absent")
	}
}

func TestToNativeInnerBodyIsPassthrough(t *testing.T) {
	in := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	out, err := ToNativeInnerBody(in)
	if err != nil {
		t.Fatalf("ToNativeInnerBody: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("ToNativeInnerBody = %s, want an identity passthrough", out)
	}
}

func TestFromNativeResultIsPassthrough(t *testing.T) {
	in := []byte(`{"candidates":[]}`)
	out, err := FromNativeResult(in)
	if err != nil {
		t.Fatalf("FromNativeResult: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("FromNativeResult = %s, want an identity passthrough", out)
	}
}
