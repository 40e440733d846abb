package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/model"
)

// Directory answers presence questions from the live registry.
type Directory interface {
	Online(id model.Identity) bool
	OnlineCount() int
}

// SocketCounter reports open Socket.IO connections, registered or not.
type SocketCounter interface {
	Connections() int
}

type PresenceHandler struct {
	Directory Directory
	Sockets   SocketCounter
}

func (h *PresenceHandler) Get(c *gin.Context) {
	id := model.Identity(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"id": id, "online": h.Directory.Online(id)})
}

func (h *PresenceHandler) Health(c *gin.Context) {
	connections := 0
	if h.Sockets != nil {
		connections = h.Sockets.Connections()
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "online": h.Directory.OnlineCount(), "connections": connections})
}
