package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/auth"
	"chat-relay/internal/model"
	"chat-relay/internal/store"
)

type UserHandler struct {
	Store       store.Store
	TokenConfig auth.TokenConfig
	Log         *slog.Logger
}

type loginRequest struct {
	Username    string `json:"username"`
	PhoneNumber string `json:"phoneNumber"`
}

// Login returns the user owning phoneNumber, creating it on first use, and a
// token whose subject is the user id.
func (h *UserHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user, created, err := h.Store.UpsertUser(c.Request.Context(), req.Username, req.PhoneNumber)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}

	token, err := auth.CreateToken(user.ID, h.TokenConfig)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}

	if created {
		h.Log.Info("user_created", slog.String("identity", user.ID.String()))
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "token": token, "created": created})
}

func (h *UserHandler) List(c *gin.Context) {
	users, err := h.Store.ListUsers(c.Request.Context())
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.Store.FetchUserProfile(c.Request.Context(), model.Identity(c.Param("id")))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
