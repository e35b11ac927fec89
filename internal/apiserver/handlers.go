package apiserver

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/dispatcher"
	"github.com/forgebridge/assist-gateway/pkg/chatapi"
)

// Handlers groups the HTTP entry points over a Dispatcher. Grounded on the
// teacher's handlers.MessagesHandler split between streaming and
// non-streaming response handling (go-backend/internal/server/handlers/
// messages.go), generalised to three wire endpoints instead of one.
type Handlers struct {
	cfg  *config.Config
	disp *dispatcher.Dispatcher
}

func NewHandlers(cfg *config.Config, disp *dispatcher.Dispatcher) *Handlers {
	return &Handlers{cfg: cfg, disp: disp}
}

// GenerateContent handles POST /v1beta/models/<model>:generateContent.
func (h *Handlers) GenerateContent(c *gin.Context) {
	h.handleNative(c, false)
}

// StreamGenerateContent handles POST /v1beta/models/<model>:streamGenerateContent.
func (h *Handlers) StreamGenerateContent(c *gin.Context) {
	h.handleNative(c, true)
}

// handleNative implements the native-dialect routes (§6): the model id is
// parsed out of the ":generateContent"/":streamGenerateContent" path
// segment, body passed through with minimal normalisation (owned by C6/
// C7), model aliasing applied before dispatch.
func (h *Handlers) handleNative(c *gin.Context, streaming bool) {
	model := parseModelFromPath(c.Param("modelAction"))
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "missing or malformed model path segment", "code": "bad_request"}})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read request body", "code": "bad_request"}})
		return
	}

	req := dispatcher.Request{
		APIKeyID:  apiKeyIDFrom(c),
		Model:     h.cfg.ResolveAlias(model),
		Body:      body,
		RequestID: dispatcher.NewRequestID(),
	}

	if streaming {
		logStreamStart(req.Model)
		h.disp.HandleStreamGenerate(c.Request.Context(), req, newNativeSSEWriter(c))
		return
	}

	out := h.disp.HandleGenerate(c.Request.Context(), req)
	c.Data(out.StatusCode, "application/json", out.Body)
}

// ChatCompletions handles POST /v1/chat/completions (§6). The schema
// conversion itself is out of scope (§1 Non-goals); chatapi.ToNativeInnerBody
// / FromNativeResult is the seam a real converter would replace.
func (h *Handlers) ChatCompletions(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read request body", "code": "bad_request"}})
		return
	}

	model := chatapi.Model(raw)
	streaming := chatapi.Stream(raw)

	innerBody, err := chatapi.ToNativeInnerBody(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to translate request", "code": "bad_request"}})
		return
	}

	req := dispatcher.Request{
		APIKeyID:  apiKeyIDFrom(c),
		Model:     h.cfg.ResolveAlias(model),
		Body:      innerBody,
		RequestID: dispatcher.NewRequestID(),
	}

	if streaming {
		logStreamStart(req.Model)
		h.disp.HandleStreamGenerate(c.Request.Context(), req, newChatCompletionsSSEWriter(c))
		return
	}

	out := h.disp.HandleGenerate(c.Request.Context(), req)
	if out.StatusCode != http.StatusOK {
		c.Data(out.StatusCode, "application/json", out.Body)
		return
	}
	converted, err := chatapi.FromNativeResult(out.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "failed to translate response", "code": "internal_error"}})
		return
	}
	c.Data(http.StatusOK, "application/json", converted)
}

// parseModelFromPath extracts "gemini-2.5-pro" from
// "gemini-2.5-pro:generateContent" / "...:streamGenerateContent".
func parseModelFromPath(segment string) string {
	segment = strings.TrimPrefix(segment, "/")
	idx := strings.LastIndex(segment, ":")
	if idx <= 0 {
		return ""
	}
	return segment[:idx]
}

// Health reports basic liveness, independent of account pool state.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
