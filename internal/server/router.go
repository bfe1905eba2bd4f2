package server

import (
	"net/http"

	"github.com/ekidigital/eki-chat-server/internal/config"
	"github.com/ekidigital/eki-chat-server/internal/metrics"
	"github.com/ekidigital/eki-chat-server/internal/mw"
	"github.com/ekidigital/eki-chat-server/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter wires the gin middleware chain, the REST API, the metrics and
// health endpoints and the websocket gateway.
func SetupRouter(cfg config.Config, h *Handler, gw *ws.Gateway, limiter *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	if limiter != nil {
		r.Use(mw.RateLimit(limiter))
	}
	r.Use(mw.CORS(cfg.CORSOrigin))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gw.Serve())

	api := r.Group("/api/v1")
	api.POST("/calls/token", h.CallToken)

	chat := api.Group("/chat")
	chat.GET("/unread/:userId", h.Unread)
	chat.GET("/user/find", h.FindUser)
	chat.GET("/get/:userId", h.GetUser)
	chat.POST("/add-to-contacts/:userId", h.AddContact)
	chat.DELETE("/delete/:userId", h.DeleteUser)
	chat.POST("/create-room", h.CreateRoom)
	chat.PATCH("/edit-room/:roomId", h.EditRoom)
	chat.PATCH("/exit-room/:userId/:roomId", h.ExitRoom)
	chat.PATCH("/add-user/:roomId/:adminId", h.AddUser)
	chat.PATCH("/remove-user/:roomId/:adminId", h.RemoveUser)
	chat.GET("/get-room/:userId/:roomId", h.GetRoom)
	chat.GET("/chatroom-id", h.ChatRoomID)
	chat.GET("/last-message/:userId", h.LastMessages)
	chat.GET("/:userId/rooms", h.UserRooms)
	chat.POST("/markAsRead", h.MarkAsRead)
	chat.GET("/rooms/:roomId/typing", h.Typing)
	return r
}
