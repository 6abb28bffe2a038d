package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/ecollect/internal/logging"
)

// Respond writes err as {"error": code, "message": msg} with the mapped status.
// Unclassified errors are logged and reported as a generic internal error.
func Respond(c *gin.Context, err error) {
	status, code := HTTPStatus(err)
	log := logging.L(c.Request.Context())

	switch {
	case status >= http.StatusInternalServerError:
		log.Error("request failed", "path", c.FullPath(), "error", err)
	case errors.Is(err, ErrSignatureMismatch):
		log.Warn("signature rejected", "path", c.FullPath(), "clientIp", c.ClientIP())
	}

	body := gin.H{"error": code, "message": PublicMessage(err)}
	if cur := CurrentState(err); cur != "" {
		body["currentState"] = cur
	}
	if IsRetryable(err) && status >= http.StatusInternalServerError {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

// BadRequest writes a malformed-body response.
func BadRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}
