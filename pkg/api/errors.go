package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/services"
)

// respondError maps service and protocol errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, services.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	case hsp.IsCode(err, hsp.ErrCodePlanningFailure):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case hsp.IsCode(err, hsp.ErrCodeCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
