// Package messages mounts the message history and send routes.
package messages

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	registryroute "github.com/chatline/chat-service/internal/registry/route"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 200,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts message routes on the given engine.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/threads/:threadId/messages", func(c *gin.Context) {
		getMessages(c, store)
	})
	g.POST("/threads/:threadId/messages", func(c *gin.Context) {
		sendMessage(c, store)
	})
	g.DELETE("/threads/:threadId/messages/:messageId", func(c *gin.Context) {
		deleteMessage(c, store)
	})
}

func getMessages(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)
	threadID, ok := threadParam(c)
	if !ok {
		return
	}
	afterCursor := queryPtr(c, "cursor")
	limit := queryInt(c, "limit", 50)

	page, err := store.GetMessages(c.Request.Context(), threadID, userID, afterCursor, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	resp := gin.H{"data": page.Data, "nextCursor": page.NextCursor}
	if page.Degraded {
		resp["degraded"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func sendMessage(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)
	threadID, ok := threadParam(c)
	if !ok {
		return
	}
	var req struct {
		Text        string  `json:"text"`
		ClientToken *string `json:"clientToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := store.SendText(c.Request.Context(), threadID, userID, req.Text, req.ClientToken)
	if err != nil {
		handleError(c, err)
		return
	}
	if security.MessagesSentTotal != nil {
		security.MessagesSentTotal.WithLabelValues(string(msg.Kind)).Inc()
	}
	c.JSON(http.StatusCreated, msg)
}

func deleteMessage(c *gin.Context, store registrystore.ChatStore) {
	userID := security.GetUserID(c)
	threadID, ok := threadParam(c)
	if !ok {
		return
	}
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "message not found"})
		return
	}

	if err := store.DeleteMessage(c.Request.Context(), threadID, messageID, userID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Helpers ---

func threadParam(c *gin.Context) (uuid.UUID, bool) {
	threadID, err := uuid.Parse(c.Param("threadId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "thread not found"})
		return uuid.Nil, false
	}
	return threadID, true
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryPtr(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
