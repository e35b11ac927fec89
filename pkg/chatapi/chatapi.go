// Package chatapi provides the caller-facing chat-completions dialect's
// boundary helpers (§6 "external schema converter"). The conversion itself —
// full chat-completions <-> native-dialect field mapping — is explicitly
// out of scope (§1 Non-goals: "the schema-conversion layer between request
// dialects"); this package is the seam the /v1/chat/completions HTTP handler
// calls before and after dispatch. Field inspection here follows the
// pack's gjson-over-raw-bytes idiom (see e.g.
// mt21625457-aicodex2api/backend/internal/handler/openai_gateway_handler.go)
// rather than a fully typed struct tree, since only a couple of fields are
// ever read.
package chatapi

import "github.com/tidwall/gjson"

// Model returns the "model" field of a chat-completions request body.
func Model(body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

// Stream returns the "stream" field of a chat-completions request body.
func Stream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// ToNativeInnerBody converts a chat-completions request body into the
// native dialect's inner request shape. The real mapping (messages ->
// contents, tool/function schema, etc.) lives outside this repo's scope;
// this is the identity passthrough the seam delegates to until that
// converter is wired in.
func ToNativeInnerBody(body []byte) ([]byte, error) {
	return body, nil
}

// FromNativeResult converts an unwrapped native-dialect response back into
// a chat-completions response body. Passthrough for the same reason as
// ToNativeInnerBody.
func FromNativeResult(body []byte) ([]byte, error) {
	return body, nil
}
