package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/db"
	"github.com/mescon/stallarr/internal/domain"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Health states reported by /health.
const (
	healthStarting = "starting"
	healthHealthy  = "healthy"
	healthDegraded = "degraded"
)

// handleHealth reports degraded (503) while the last cycle was aborted, so
// container health checks surface an unreachable eMulerr or manager.
func (s *RESTServer) handleHealth(c *gin.Context) {
	state := healthStarting
	resp := gin.H{
		"version":           config.Version,
		"uptime":            formatUptime(time.Since(s.startTime)),
		"websocket_clients": s.hub.ClientCount(),
	}

	if summary := s.lastSummary(); summary != nil {
		state = healthHealthy
		if summary.Aborted {
			state = healthDegraded
			resp["error"] = summary.Error
		}
		resp["last_cycle"] = summary.StartedAt
	}
	resp["status"] = state

	code := http.StatusOK
	if state == healthDegraded {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *RESTServer) handleStatus(c *gin.Context) {
	resp := gin.H{
		"version":    config.Version,
		"uptime":     formatUptime(time.Since(s.startTime)),
		"last_cycle": s.lastSummary(),
	}

	if s.cfg != nil {
		managers := make(map[string]string)
		for name, mc := range s.cfg.Managers() {
			managers[name] = mc.Category
		}
		resp["dry_run"] = s.cfg.DryRun
		resp["download_client"] = s.cfg.DownloadClient
		resp["check_interval"] = s.cfg.CheckInterval.String()
		resp["stall_checks"] = s.cfg.StallChecks
		resp["stall_days"] = s.cfg.StallDays
		resp["managers"] = managers
	}
	c.JSON(http.StatusOK, resp)
}

func (s *RESTServer) handleObservations(c *gin.Context) {
	if s.status == nil {
		respondServiceUnavailable(c, "Poller")
		return
	}
	observations := s.status.Observations()
	c.JSON(http.StatusOK, gin.H{
		"count":        len(observations),
		"observations": observations,
	})
}

// handleEvents serves the journal newest first. Supported query parameters:
// limit, type, aggregate_type and aggregate_id.
func (s *RESTServer) handleEvents(c *gin.Context) {
	if s.events == nil {
		respondServiceUnavailable(c, "Event journal")
		return
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			respondBadRequest(c, errInvalidLimit, true)
			return
		}
		limit = n
	}

	events, err := s.events.RecentEvents(db.EventFilter{
		AggregateType: c.Query("aggregate_type"),
		AggregateID:   c.Query("aggregate_id"),
		EventType:     domain.EventType(c.Query("type")),
		Limit:         limit,
	})
	if err != nil {
		respondJournalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(events),
		"events": events,
	})
}

func (s *RESTServer) lastSummary() *domain.CycleSummary {
	if s.status == nil {
		return nil
	}
	return s.status.LastSummary()
}
