package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/middleware"
	"chat-relay/internal/model"
	"chat-relay/internal/store"
)

type MessageHandler struct {
	Store store.Store
	Log   *slog.Logger
}

// Save stores a message sent by the authenticated user. It does not relay.
func (h *MessageHandler) Save(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	env, err := model.DecodeEnvelope(json.RawMessage(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := env.ValidateContent(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if env.SenderID != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender_jid must be the authenticated user"})
		return
	}

	id, err := h.Store.PersistMessage(c.Request.Context(), env.Record())
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"messageId": id})
}

// Conversation lists the latest messages between the caller and :peer.
func (h *MessageHandler) Conversation(c *gin.Context) {
	caller, _ := middleware.IdentityFromContext(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.Store.ListConversation(c.Request.Context(), caller, model.Identity(c.Param("peer")), limit)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
