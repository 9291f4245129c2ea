package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/forwarder"
	"github.com/routegate/routegate/internal/guard"
	"github.com/routegate/routegate/internal/logging"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/session"
)

// ProxyHandler carries every proxied endpoint through the same lifecycle:
// session construction, the guard pipeline, the forwarder, and the final
// write back to the client.
type ProxyHandler struct {
	chat     *guard.Pipeline
	count    *guard.Pipeline
	forward  *forwarder.Forwarder
	registry *provider.Registry
}

// NewProxyHandler wires the two pipeline presets and the forwarder.
func NewProxyHandler(deps guard.Deps, fw *forwarder.Forwarder, registry *provider.Registry) *ProxyHandler {
	return &ProxyHandler{
		chat:     guard.NewChatPipeline(deps),
		count:    guard.NewCountTokensPipeline(deps),
		forward:  fw,
		registry: registry,
	}
}

// Chat serves the message endpoints of every dialect.
func (h *ProxyHandler) Chat(c *gin.Context) {
	h.handle(c, h.chat)
}

// CountTokens serves the token-counting endpoints through the reduced
// pipeline: no budgets, no sessions, no request rows.
func (h *ProxyHandler) CountTokens(c *gin.Context) {
	h.handle(c, h.count)
}

// GeminiAction dispatches /v1beta/models/{model}:{action} by its action
// suffix; countTokens takes the reduced pipeline, everything else the full
// one.
func (h *ProxyHandler) GeminiAction(c *gin.Context) {
	if strings.HasSuffix(c.Param("action"), ":countTokens") {
		h.handle(c, h.count)
		return
	}
	h.handle(c, h.chat)
}

func (h *ProxyHandler) handle(c *gin.Context, pipeline *guard.Pipeline) {
	start := time.Now()
	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	s, err := session.FromRequest(c.Request)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if s.OverLimit() {
		writeError(c, http.StatusBadRequest, "invalid_request_error",
			"request body exceeds the proxy body-size limit and carries no model; raise the limit or shrink the request")
		return
	}

	ctx := c.Request.Context()
	halt, err := pipeline.Run(ctx, s)
	if s.ID != "" {
		c.Set(logging.SessionIDKey, s.ID)
	}
	if err != nil {
		log.Errorf("request %s failed in admission: %v", s.RequestID, err)
		writeError(c, http.StatusInternalServerError, "internal_server_error", "internal server error")
		metrics.RecordRequest(s.Format, http.StatusInternalServerError, time.Since(start))
		return
	}
	if halt != nil {
		writeHalt(c, halt)
		metrics.RecordRequest(s.Format, halt.Status, time.Since(start))
		return
	}

	res, err := h.forward.Forward(ctx, s)
	if err != nil {
		// The client is gone; there is nobody left to answer.
		log.Debugf("request %s: client vanished: %v", s.RequestID, err)
		c.Abort()
		metrics.RecordRequest(s.Format, 499, time.Since(start))
		return
	}
	writeResult(c, res)
	metrics.RecordRequest(s.Format, res.Status, time.Since(start))
}

// writeResult renders a forwarder outcome. Streams are copied chunk by
// chunk with an explicit flush so SSE events reach the client as they
// arrive; hop-by-hop framing headers are dropped because the proxy re-frames
// the body itself.
func writeResult(c *gin.Context, res *forwarder.Result) {
	for name, values := range res.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Transfer-Encoding", "Content-Length", "Connection":
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Status(res.Status)

	if res.Stream == nil {
		_, _ = c.Writer.Write(res.Body)
		return
	}
	defer func() { _ = res.Stream.Close() }()

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := res.Stream.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("stream copy ended: %v", err)
			}
			return
		}
	}
}

func writeHalt(c *gin.Context, h *guard.Halt) {
	for name, values := range h.Header {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	if c.Writer.Header().Get("Content-Type") == "" {
		c.Writer.Header().Set("Content-Type", "application/json")
	}
	c.Status(h.Status)
	_, _ = c.Writer.Write(h.Body)
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{"type": errType, "message": message}})
}
