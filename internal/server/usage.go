package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/quotaguard/internal/usage/domain"
)

func (s *Server) IngestUsage(c *gin.Context) {
	var req usagedomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set("tenant_id", strings.TrimSpace(req.TenantID))
	if len(req.Items) > 0 {
		if agentName := strings.TrimSpace(req.Items[0].AgentName); agentName != "" {
			c.Set("agent_name", agentName)
		}
	}

	resp, err := s.usagesvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

type usageStreamEvent struct {
	UserID string `json:"user_id"`
	At     string `json:"at"`
}

// StreamUsageEvents pushes one server-sent event per debounced ingest burst
// for the requested user.
func (s *Server) StreamUsageEvents(c *gin.Context) {
	if s.stream == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	userID := strings.TrimSpace(c.Query("user_id"))
	subscription, err := s.stream.ForUser(userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fired, open := <-subscription.Events():
			if !open {
				return
			}
			if err := writeUsageEvent(writer, fired); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeUsageEvent(w io.Writer, userID string) error {
	data, err := json.Marshal(usageStreamEvent{
		UserID: userID,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: usage\ndata: %s\n\n", data)
	return err
}
