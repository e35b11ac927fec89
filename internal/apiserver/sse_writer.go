package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgebridge/assist-gateway/internal/dispatcher"
	"github.com/forgebridge/assist-gateway/internal/logging"
)

// nativeSSEWriter implements dispatcher.StreamWriter for the native dialect
// (§6): every event and error is a bare "data: <json>\n\n" frame, no
// "event:" line and no "[DONE]" terminator — unlike both the chat-dialect
// writer below and the teacher's named SSE frames.
type nativeSSEWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func newNativeSSEWriter(c *gin.Context) *nativeSSEWriter {
	f, _ := c.Writer.(http.Flusher)
	return &nativeSSEWriter{c: c, flusher: f}
}

func (w *nativeSSEWriter) Prelude() { setSSEHeaders(w.c) }

func (w *nativeSSEWriter) Event(payload []byte) error {
	_, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", payload)
	w.flush()
	return err
}

func (w *nativeSSEWriter) Error(message, code string) {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "type": "api_error", "code": code},
	})
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", body)
	w.flush()
}

func (w *nativeSSEWriter) Close() { w.flush() }

func (w *nativeSSEWriter) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// chatCompletionsSSEWriter implements dispatcher.StreamWriter for the
// caller-facing /v1/chat/completions dialect (§6): identical frame shape,
// but terminated with "data: [DONE]\n\n" on close, matching the external
// chat-completions convention this endpoint emulates.
type chatCompletionsSSEWriter struct {
	nativeSSEWriter
}

func newChatCompletionsSSEWriter(c *gin.Context) *chatCompletionsSSEWriter {
	return &chatCompletionsSSEWriter{nativeSSEWriter: *newNativeSSEWriter(c)}
}

func (w *chatCompletionsSSEWriter) Close() {
	fmt.Fprint(w.c.Writer, "data: [DONE]\n\n")
	w.flush()
}

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	if f, ok := c.Writer.(http.Flusher); ok {
		f.Flush()
	}
}

var _ dispatcher.StreamWriter = (*nativeSSEWriter)(nil)
var _ dispatcher.StreamWriter = (*chatCompletionsSSEWriter)(nil)

func logStreamStart(model string) {
	logging.Debug("[apiserver] streaming response started for model %s", model)
}
