package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/stallarr/internal/logger"
)

// Standard error messages (don't leak internal details)
const (
	ErrMsgJournalError       = "Journal error"
	ErrMsgInvalidRequest     = "Invalid request"
	ErrMsgServiceUnavailable = "Service unavailable"
	ErrMsgInternalError      = "Internal server error"
)

var errInvalidLimit = fmt.Errorf("limit must be between 1 and %d", maxEventLimit)

// respondWithError sends a JSON error response and logs the actual error
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}

func respondJournalError(c *gin.Context, err error) {
	respondWithError(c, http.StatusInternalServerError, ErrMsgJournalError, err)
}

// respondBadRequest exposes err only when exposeError is set; use it for
// validation messages that are safe to show.
func respondBadRequest(c *gin.Context, err error, exposeError bool) {
	if exposeError && err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondWithError(c, http.StatusBadRequest, ErrMsgInvalidRequest, err)
}

func respondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": service + " not available"})
}
