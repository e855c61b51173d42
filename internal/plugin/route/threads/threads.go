// Package threads mounts the thread lifecycle routes: open/create, listing,
// per-member read/visibility flags, and the typing presence channel.
package threads

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	registrypresence "github.com/chatline/chat-service/internal/registry/presence"
	registryprofile "github.com/chatline/chat-service/internal/registry/profile"
	registryroute "github.com/chatline/chat-service/internal/registry/route"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// threadResponse is a ThreadSummary enriched with peer profiles and the
// members currently typing.
type threadResponse struct {
	registrystore.ThreadSummary
	Peers  []registryprofile.PublicProfile `json:"peers,omitempty"`
	Typing []string                        `json:"typing,omitempty"`
}

// MountRoutes mounts thread routes on the given engine. Called after store
// initialization so the collaborators are available.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, typing registrypresence.TypingPresence, profiles registryprofile.Directory, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.POST("/threads", func(c *gin.Context) {
		createThread(c, store, profiles)
	})
	g.GET("/threads", func(c *gin.Context) {
		listThreads(c, store, typing, profiles)
	})
	g.GET("/threads/:threadId", func(c *gin.Context) {
		getThread(c, store, typing, profiles)
	})
	g.DELETE("/threads/:threadId", func(c *gin.Context) {
		memberUpdate(c, store.SoftDelete)
	})
	g.POST("/threads/:threadId/read", func(c *gin.Context) {
		memberUpdate(c, store.MarkRead)
	})
	g.POST("/threads/:threadId/mute", func(c *gin.Context) {
		memberUpdate(c, flagSetter(store.SetMuted, true))
	})
	g.POST("/threads/:threadId/unmute", func(c *gin.Context) {
		memberUpdate(c, flagSetter(store.SetMuted, false))
	})
	g.POST("/threads/:threadId/archive", func(c *gin.Context) {
		memberUpdate(c, flagSetter(store.SetArchived, true))
	})
	g.POST("/threads/:threadId/unarchive", func(c *gin.Context) {
		memberUpdate(c, flagSetter(store.SetArchived, false))
	})
	g.PUT("/threads/:threadId/typing", func(c *gin.Context) {
		setTyping(c, store, typing)
	})
}

func createThread(c *gin.Context, store registrystore.ChatStore, profiles registryprofile.Directory) {
	userID := security.GetUserID(c)
	var req struct {
		PeerID    *string  `json:"peerId"`
		MemberIDs []string `json:"memberIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.PeerID != nil {
		thread, created, err := store.OpenDirect(c.Request.Context(), userID, *req.PeerID)
		if err != nil {
			handleError(c, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		c.JSON(status, enrich(c, *thread, userID, nil, profiles))
		return
	}

	if len(req.MemberIDs) > 0 {
		thread, err := store.CreateGroup(c.Request.Context(), userID, req.MemberIDs)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusCreated, enrich(c, *thread, userID, nil, profiles))
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "peerId or memberIds is required"})
}

func listThreads(c *gin.Context, store registrystore.ChatStore, typing registrypresence.TypingPresence, profiles registryprofile.Directory) {
	userID := security.GetUserID(c)
	afterCursor := queryPtr(c, "cursor")
	limit := queryInt(c, "limit", 20)

	page, err := store.ListThreads(c.Request.Context(), userID, afterCursor, limit)
	if err != nil {
		handleError(c, err)
		return
	}

	data := make([]threadResponse, len(page.Data))
	for i, summary := range page.Data {
		data[i] = enrich(c, summary, userID, typing, profiles)
	}
	resp := gin.H{"data": data, "nextCursor": page.NextCursor}
	if page.Degraded {
		resp["degraded"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func getThread(c *gin.Context, store registrystore.ChatStore, typing registrypresence.TypingPresence, profiles registryprofile.Directory) {
	userID := security.GetUserID(c)
	threadID, ok := threadParam(c)
	if !ok {
		return
	}

	thread, err := store.GetThread(c.Request.Context(), userID, threadID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, enrich(c, *thread, userID, typing, profiles))
}

func setTyping(c *gin.Context, store registrystore.ChatStore, typing registrypresence.TypingPresence) {
	userID := security.GetUserID(c)
	threadID, ok := threadParam(c)
	if !ok {
		return
	}

	// Membership gating applies to presence signals too.
	if _, err := store.GetThread(c.Request.Context(), userID, threadID); err != nil {
		handleError(c, err)
		return
	}
	if typing == nil || !typing.Available() {
		c.Status(http.StatusNoContent)
		return
	}
	if err := typing.SetTyping(c.Request.Context(), threadID, userID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// memberUpdate runs a per-member store update identified only by thread and
// caller, responding 204 on success.
func memberUpdate(c *gin.Context, update func(ctx context.Context, threadID uuid.UUID, memberID string) error) {
	userID := security.GetUserID(c)
	threadID, ok := threadParam(c)
	if !ok {
		return
	}
	if err := update(c.Request.Context(), threadID, userID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func flagSetter(set func(ctx context.Context, threadID uuid.UUID, memberID string, value bool) error, value bool) func(context.Context, uuid.UUID, string) error {
	return func(ctx context.Context, threadID uuid.UUID, memberID string) error {
		return set(ctx, threadID, memberID, value)
	}
}

// enrich attaches peer profiles and typing members to a summary. Both are
// best effort: profile failures degrade to id-only stubs, presence failures
// to an empty list.
func enrich(c *gin.Context, summary registrystore.ThreadSummary, selfID string, typing registrypresence.TypingPresence, profiles registryprofile.Directory) threadResponse {
	resp := threadResponse{ThreadSummary: summary}
	for _, member := range summary.Members {
		if member == selfID {
			continue
		}
		profile := registryprofile.Stub(member)
		if profiles != nil {
			resolved, err := profiles.GetPublicProfile(c.Request.Context(), member)
			if err != nil {
				log.Debug("Profile lookup failed", "userID", member, "err", err)
			}
			profile = resolved
		}
		resp.Peers = append(resp.Peers, profile)
	}
	if typing != nil && typing.Available() {
		members, err := typing.Typing(c.Request.Context(), summary.ID)
		if err != nil {
			log.Debug("Typing lookup failed", "threadID", summary.ID, "err", err)
		} else {
			for _, member := range members {
				if member != selfID {
					resp.Typing = append(resp.Typing, member)
				}
			}
		}
	}
	return resp
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
