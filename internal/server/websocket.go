package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/realtime"
)

const (
	bearerSubprotocol = "bearer"
	roomHintQueryKey  = "room"
)

// handleWebSocket authenticates, upgrades and then runs the connection until
// the peer leaves. Cleanup happens before the handler returns.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	request := c.Request
	ctx := request.Context()

	var identity auth.Identity
	token := h.websocketToken(request)
	switch {
	case token != "":
		verified, err := h.verify(ctx, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		identity = verified
	case !h.allowAnonymous:
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConnection(ws, identity.UserID, h.sendBuffer)
	conn.Start()
	if err := h.hub.Connect(ctx, conn, strings.TrimSpace(request.URL.Query().Get(roomHintQueryKey))); err != nil {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	readErr := conn.ReadLoop(func(payload []byte) {
		h.hub.Handle(ctx, conn, payload)
	})
	h.hub.Disconnect(conn)
	conn.Close(websocket.CloseNormalClosure, "")
	if readErr != nil {
		h.logger.Debug("websocket closed unexpectedly",
			zap.String("connection_id", conn.ID()),
			zap.String("user_id", conn.UserID()),
			zap.Error(readErr))
	}
}

// websocketToken extends requestToken with the "bearer, <token>" subprotocol
// form browsers use because they cannot set headers on websocket requests.
func (h *httpHandler) websocketToken(r *http.Request) string {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	protocols := websocket.Subprotocols(r)
	if len(protocols) >= 2 && strings.EqualFold(protocols[0], bearerSubprotocol) {
		if token := strings.TrimSpace(protocols[1]); token != "" {
			return token
		}
	}
	return h.requestToken(r)
}

// makeCheckOrigin admits only configured origins. Without configuration the
// upgrader falls back to its same-origin check.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if normalized := strings.TrimSpace(strings.ToLower(origin)); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return nil
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return false
		}
		_, ok := allowed[strings.ToLower(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))]
		return ok
	}
}
