package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	thresholddomain "github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"go.uber.org/zap"
)

type checkLimitsResponse struct {
	Exceeded bool                           `json:"exceeded"`
	Limit    *thresholddomain.LimitExceeded `json:"limit,omitempty"`
}

// CheckLimits answers whether the agent should be blocked right now.
func (s *Server) CheckLimits(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	agentName := strings.TrimSpace(c.Param("agent_name"))
	c.Set("tenant_id", tenantID)
	c.Set("agent_name", agentName)

	limit, err := s.limits.CheckLimits(c.Request.Context(), tenantID, agentName)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, checkLimitsResponse{
		Exceeded: limit != nil,
		Limit:    limit,
	})
}

type invalidateRulesRequest struct {
	TenantID  string `json:"tenant_id"`
	AgentName string `json:"agent_name"`
}

// InvalidateRules drops the cached rule list after a rule mutation.
func (s *Server) InvalidateRules(c *gin.Context) {
	var req invalidateRulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	agentName := strings.TrimSpace(req.AgentName)
	if tenantID == "" {
		AbortWithError(c, thresholddomain.ErrInvalidTenant)
		return
	}
	if agentName == "" {
		AbortWithError(c, thresholddomain.ErrInvalidAgentName)
		return
	}

	s.limits.InvalidateCache(tenantID, agentName)
	c.Status(http.StatusNoContent)
}

// RunSweep runs the reconciliation sweep synchronously.
func (s *Server) RunSweep(c *gin.Context) {
	if s.sweeps == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	sent, err := s.sweeps.RunOnce(c.Request.Context())
	if err != nil {
		s.log.Warn("manual sweep failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}
