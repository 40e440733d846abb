package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/middleware"
	"chat-relay/internal/store"
)

type CallHandler struct {
	Store store.Store
	Log   *slog.Logger
}

// List returns the caller's call log, newest first.
func (h *CallHandler) List(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	calls, err := h.Store.ListCalls(c.Request.Context(), caller, limit)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}
