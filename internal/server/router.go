package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/realtime"
)

const (
	userIDContextKey      = "marketchat_user_id"
	displayNameContextKey = "marketchat_display_name"
	accessTokenQueryKey   = "access_token"
)

var (
	errMissingSessions      = errors.New("session verifier dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errMissingResolver      = errors.New("conversation resolver dependency required")
	errMissingHistory       = errors.New("message history dependency required")
	errMissingBlocks        = errors.New("block manager dependency required")
	errMissingUploads       = errors.New("upload store dependency required")
	errInvalidAuthorization = errors.New("authorization missing or invalid")
)

// SessionVerifier resolves session tokens to identities.
type SessionVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// MessageHistory reads stored messages.
type MessageHistory interface {
	Query(ctx context.Context, conversationID, legacyOrderID string, limit int) ([]chat.Message, error)
}

// BlockManager reads and changes block relations.
type BlockManager interface {
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
}

// UploadStore validates and stores chat images.
type UploadStore interface {
	Put(ctx context.Context, data []byte, declaredMIME string) (objects.Reference, error)
	Path(name string) (string, error)
	MaxBytes() int64
}

// ProfileToucher records the display names carried by session tokens.
type ProfileToucher interface {
	Touch(ctx context.Context, userID, displayName string) error
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions       SessionVerifier
	Hub            *realtime.Hub
	Resolver       realtime.Resolver
	History        MessageHistory
	Blocks         BlockManager
	Uploads        UploadStore
	Profiles       ProfileToucher
	CookieName     string
	AllowedOrigins []string
	AllowAnonymous bool
	SendBuffer     int
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the chat API and websocket.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Hub == nil:
		return nil, errMissingHub
	case deps.Resolver == nil:
		return nil, errMissingResolver
	case deps.History == nil:
		return nil, errMissingHistory
	case deps.Blocks == nil:
		return nil, errMissingBlocks
	case deps.Uploads == nil:
		return nil, errMissingUploads
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:       deps.Sessions,
		hub:            deps.Hub,
		resolver:       deps.Resolver,
		history:        deps.History,
		blocks:         deps.Blocks,
		uploads:        deps.Uploads,
		profiles:       deps.Profiles,
		cookieName:     deps.CookieName,
		allowAnonymous: deps.AllowAnonymous,
		sendBuffer:     deps.SendBuffer,
		logger:         logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:  makeCheckOrigin(deps.AllowedOrigins),
			Subprotocols: []string{bearerSubprotocol},
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)
	router.GET(uploadsRoutePrefix+"/:name", handler.handleServeUpload)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(uploadsRoutePrefix, handler.handleUpload)
	protected.GET("/conversations/:id/messages", handler.handleHistory)
	protected.GET("/blocks/:userId", handler.handleBlockStatus)
	protected.PUT("/blocks/:userId", handler.handleBlock)
	protected.DELETE("/blocks/:userId", handler.handleUnblock)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions       SessionVerifier
	hub            *realtime.Hub
	resolver       realtime.Resolver
	history        MessageHistory
	blocks         BlockManager
	uploads        UploadStore
	profiles       ProfileToucher
	cookieName     string
	allowAnonymous bool
	sendBuffer     int
	logger         *zap.Logger
	upgrader       websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := h.requestToken(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.verify(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Set(displayNameContextKey, identity.DisplayName)
	c.Next()
}

// verify validates the token and records the caller's display name.
func (h *httpHandler) verify(ctx context.Context, token string) (auth.Identity, error) {
	identity, err := h.sessions.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return auth.Identity{}, err
	}
	if h.profiles != nil {
		if err := h.profiles.Touch(ctx, identity.UserID, identity.DisplayName); err != nil {
			h.logger.Warn("profile touch failed", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}
	return identity, nil
}

// requestToken reads the session token from the Authorization header, the
// access_token query parameter or the session cookie, in that order.
func (h *httpHandler) requestToken(r *http.Request) string {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQueryKey)); token != "" {
		return token
	}
	if h.cookieName == "" {
		return ""
	}
	if cookie, err := r.Cookie(h.cookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}
