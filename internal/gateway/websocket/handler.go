package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/gateway"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds loopback by default; remote deployments put a
		// reverse proxy with origin checks in front.
		return true
	},
}

// Handler upgrades HTTP connections and runs the daemon protocol.
type Handler struct {
	hub    *Hub
	gw     *gateway.Gateway
	logger *logger.Logger
}

func NewHandler(hub *Hub, gw *gateway.Gateway, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		gw:     gw,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.gw, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// Server runs the websocket endpoint on its own HTTP listener.
type Server struct {
	hub    *Hub
	http   *http.Server
	cancel context.CancelFunc
	logger *logger.Logger
}

// NewServer builds the gin router with the /ws endpoint, a health
// probe, and a status report. The status func supplies daemon-level
// fields; nil leaves /status with gateway counts only.
func NewServer(gw *gateway.Gateway, host string, port int, log *logger.Logger, status func() map[string]any) *Server {
	hub := NewHub(log)
	handler := NewHandler(hub, gw, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", handler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		body := gin.H{
			"status":   "ok",
			"sessions": gw.Registry().Count(),
			"apps":     gw.Registry().Apps(),
		}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})

	return &Server{
		hub: hub,
		http: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", host, port),
			Handler: router,
		},
		logger: log.WithFields(zap.String("component", "ws_server")),
	}
}

// Hub exposes the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.hub.Run(hubCtx)

	s.logger.Info("websocket server listening", zap.String("addr", s.http.Addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down and closes every client.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket server shutdown failed", zap.Error(err))
	}
	if s.cancel != nil {
		s.cancel()
	}
}
