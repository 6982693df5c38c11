package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleDecision runs one decision. The endpoint always answers 200 with a
// DecisionResponse; the envelope status carries every failure mode.
// Responses are cached by request id, which is safe because decisions are
// deterministic.
func (s *Server) handleDecision(c *gin.Context) {
	requestID := c.GetString(ContextRequestID)

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.logger.Warn("malformed decision request body: %v", err)
		resp := s.eng.ProcessDecision(c.Request.Context(), nil)
		resp.RequestID = requestID
		resp.Error = fmt.Sprintf("malformed JSON body: %v", err)
		c.JSON(http.StatusOK, resp)
		return
	}

	if _, ok := payload["request_id"]; !ok && requestID != "" {
		payload["request_id"] = requestID
	}
	if rid, ok := payload["request_id"].(string); ok && rid != "" {
		requestID = rid
		c.Header("X-Request-ID", requestID)
	}

	if cached, ok := s.cache.Get(requestID); ok {
		s.logger.Debug("serving cached decision for request %s", requestID)
		c.JSON(http.StatusOK, cached)
		return
	}

	resp := s.eng.ProcessDecision(c.Request.Context(), payload)
	if requestID != "" {
		s.cache.Add(requestID, resp)
	}
	c.JSON(http.StatusOK, resp)
}
