package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/objects"
)

const (
	uploadFormField    = "file"
	multipartOverhead  = 64 << 10
	defaultPageSize    = 100
	historyLimitQuery  = "limit"
	uploadsRoutePrefix = "/uploads"
)

type historyResponsePayload struct {
	ConversationID string         `json:"conversationId"`
	Messages       []chat.Message `json:"messages"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	maxBytes := h.uploads.MaxBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

	fileHeader, err := c.FormFile(uploadFormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if fileHeader.Size > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	reference, err := h.uploads.Put(c.Request.Context(), data, fileHeader.Header.Get("Content-Type"))
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, reference)
	case errors.Is(err, objects.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
	case errors.Is(err, objects.ErrUnsupportedMedia):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported_media_type"})
	case errors.Is(err, objects.ErrEmptyObject):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_payload"})
	default:
		h.logger.Error("failed to store upload", zap.String("user_id", c.GetString(userIDContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload_failed"})
	}
}

func (h *httpHandler) handleServeUpload(c *gin.Context) {
	filePath, err := h.uploads.Path(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.File(filePath)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	limit := defaultPageSize
	if raw := strings.TrimSpace(c.Query(historyLimitQuery)); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	resolution := h.resolver.Resolve(c.Request.Context(), c.Param("id"))
	if resolution.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !resolution.Allows(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	messages, err := h.history.Query(c.Request.Context(), resolution.ConversationID, resolution.LegacyOrderID, limit)
	if err != nil {
		h.logger.Error("failed to query history",
			zap.String("conversation_id", resolution.ConversationID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	c.JSON(http.StatusOK, historyResponsePayload{ConversationID: resolution.ConversationID, Messages: messages})
}

type blockStatusPayload struct {
	UserID  string `json:"userId"`
	Blocked bool   `json:"blocked"`
}

func (h *httpHandler) handleBlockStatus(c *gin.Context) {
	blockedID := strings.TrimSpace(c.Param("userId"))
	blocked, err := h.blocks.IsBlocked(c.Request.Context(), c.GetString(userIDContextKey), blockedID)
	if err != nil {
		h.logger.Error("failed to read block", zap.String("user_id", c.GetString(userIDContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "block_failed"})
		return
	}
	c.JSON(http.StatusOK, blockStatusPayload{UserID: blockedID, Blocked: blocked})
}

func (h *httpHandler) handleBlock(c *gin.Context) {
	err := h.blocks.Block(c.Request.Context(), c.GetString(userIDContextKey), c.Param("userId"))
	h.respondBlockChange(c, err)
}

func (h *httpHandler) handleUnblock(c *gin.Context) {
	err := h.blocks.Unblock(c.Request.Context(), c.GetString(userIDContextKey), c.Param("userId"))
	h.respondBlockChange(c, err)
}

func (h *httpHandler) respondBlockChange(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, chat.ErrSelfBlock), errors.Is(err, chat.ErrMissingUserID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("failed to change block", zap.String("user_id", c.GetString(userIDContextKey)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "block_failed"})
	}
}
