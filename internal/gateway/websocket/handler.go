package websocket

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/logger"
	ws "github.com/devos-ai/devos/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway is fronted by bearer auth; origin checks are left to
		// the deployment's proxy.
		return true
	},
}

// TokenValidator checks a bearer token before the connection is upgraded.
// A nil validator means the gateway runs open (local development).
type TokenValidator func(ctx context.Context, token string) error

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	validate TokenValidator
	logger   *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, validate TokenValidator, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		validate: validate,
		logger:   log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages
func (h *Handler) HandleConnection(c *gin.Context) {
	if h.validate != nil {
		if err := h.validate(c.Request.Context(), connectionToken(c)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	// Start read and write pumps
	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// connectionToken extracts the bearer token from the query string (browser
// WebSocket clients cannot set headers) or the Authorization header.
func connectionToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "devos",
		})
	})
}
