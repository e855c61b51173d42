// Package attachments mounts the attachment upload pipeline and the media
// download route used by object-store backends without signed URLs.
//
// Uploads run the full ingestion sequence: receive the multipart file,
// validate its content type against the whitelist, sanitize images, write the
// object, then record the message. Every step fails closed: nothing is
// stored for a rejected upload, and a failed message record deletes the
// object it referenced.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chatline/chat-service/internal/config"
	"github.com/chatline/chat-service/internal/mediaproc"
	"github.com/chatline/chat-service/internal/model"
	registryattach "github.com/chatline/chat-service/internal/registry/attach"
	registryroute "github.com/chatline/chat-service/internal/registry/route"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 300,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts attachment routes.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, objects registryattach.ObjectStore, cfg *config.Config, auth gin.HandlerFunc) {
	if objects == nil {
		return
	}

	v1 := r.Group("/v1", auth)
	v1.POST("/threads/:threadId/attachments", func(c *gin.Context) {
		upload(c, store, objects, cfg)
	})
	v1.GET("/media/*key", func(c *gin.Context) {
		download(c, store, objects)
	})
}

func upload(c *gin.Context, store registrystore.ChatStore, objects registryattach.ObjectStore, cfg *config.Config) {
	userID := security.GetUserID(c)
	threadID, ok := threadParam(c)
	if !ok {
		return
	}

	// The whole upload, body receipt included, must finish inside the
	// window. Body reads fail once it closes, so a trickling request
	// cannot hold the handler open.
	ctx := c.Request.Context()
	if cfg.AttachmentUploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.AttachmentUploadTimeout)
		defer cancel()
		c.Request.Body = &deadlineBody{ctx: ctx, inner: c.Request.Body}
	}

	// Membership gates the pipeline before any byte is stored.
	if _, err := store.GetThread(ctx, userID, threadID); err != nil {
		if timedOut(c, ctx) {
			return
		}
		handleError(c, err)
		return
	}

	// RECEIVING
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		if timedOut(c, ctx) {
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "file is required"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")

	// VALIDATING
	kind, err := mediaproc.KindForContentType(contentType)
	if err != nil {
		rejected("unsupported_type")
		handleError(c, err)
		return
	}

	var durationMs *int64
	if raw := c.PostForm("durationMs"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid durationMs"})
			return
		}
		durationMs = &n
	}
	var caption *string
	if raw := strings.TrimSpace(c.PostForm("caption")); raw != "" {
		caption = &raw
	}
	var clientToken *string
	if raw := strings.TrimSpace(c.PostForm("clientToken")); raw != "" {
		clientToken = &raw
	}

	data, err := io.ReadAll(io.LimitReader(file, cfg.AttachmentMaxSize+1))
	if err != nil {
		if timedOut(c, ctx) {
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "failed to read file"})
		return
	}
	if int64(len(data)) > cfg.AttachmentMaxSize {
		rejected("too_large")
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "validation_error",
			"error": fmt.Sprintf("file exceeds maximum size of %d bytes", cfg.AttachmentMaxSize),
		})
		return
	}

	// SANITIZING
	if kind == model.MessageKindImage {
		data, contentType = mediaproc.SanitizeImage(data, contentType, cfg.ImageMaxDimension, cfg.ImageJPEGQuality)
	}

	// STORING
	key := fmt.Sprintf("threads/%s/%s/%d", threadID, userID, time.Now().UnixNano())
	result, err := objects.Put(ctx, key, bytes.NewReader(data), cfg.AttachmentMaxSize, contentType)
	if err != nil {
		if timedOut(c, ctx) {
			return
		}
		log.Error("Attachment store failed", "threadID", threadID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	mediaURL := result.URL
	if mediaURL == "" {
		// Backend has no signed URLs; serve through the media route.
		mediaURL = "/v1/media/" + key
	}

	// RECORDING + SUMMARY-UPDATE
	msg, err := store.RecordMedia(ctx, threadID, userID, registrystore.MediaRecord{
		Kind:        kind,
		MediaURL:    mediaURL,
		Caption:     caption,
		DurationMs:  durationMs,
		ClientToken: clientToken,
	})
	if err != nil {
		// No orphan object may outlive its message. Cleanup runs on the
		// request context so it still works after the window closed.
		if derr := objects.Delete(c.Request.Context(), key); derr != nil {
			log.Error("Failed to delete orphaned object", "key", key, "err", derr)
		}
		if timedOut(c, ctx) {
			return
		}
		handleError(c, err)
		return
	}

	if security.MessagesSentTotal != nil {
		security.MessagesSentTotal.WithLabelValues(string(msg.Kind)).Inc()
	}
	c.JSON(http.StatusCreated, msg)
}

// download streams a stored object to a thread member. The key embeds the
// thread ID, which scopes access the same way message reads are scoped.
func download(c *gin.Context, store registrystore.ChatStore, objects registryattach.ObjectStore) {
	userID := security.GetUserID(c)
	key := strings.TrimPrefix(c.Param("key"), "/")

	threadID, ok := threadIDFromKey(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "media not found"})
		return
	}
	if _, err := store.GetThread(c.Request.Context(), userID, threadID); err != nil {
		handleError(c, err)
		return
	}

	rc, err := objects.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "media not found"})
		return
	}
	defer rc.Close()

	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		log.Debug("Media stream interrupted", "key", key, "err", err)
	}
}

// threadIDFromKey extracts the thread ID from a "threads/<id>/..." object key.
func threadIDFromKey(key string) (uuid.UUID, bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] != "threads" {
		return uuid.Nil, false
	}
	threadID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, false
	}
	return threadID, true
}

// deadlineBody fails body reads once the upload window has closed.
type deadlineBody struct {
	ctx   context.Context
	inner io.ReadCloser
}

func (b *deadlineBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	return b.inner.Read(p)
}

func (b *deadlineBody) Close() error { return b.inner.Close() }

// timedOut reports the upload window closing as a 408, once.
func timedOut(c *gin.Context, ctx context.Context) bool {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false
	}
	rejected("timeout")
	c.JSON(http.StatusRequestTimeout, gin.H{"code": "timeout", "error": "upload did not complete in time"})
	return true
}

func rejected(reason string) {
	if security.AttachmentsRejectedTotal != nil {
		security.AttachmentsRejectedTotal.WithLabelValues(reason).Inc()
	}
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
	var unsupported *registrystore.UnsupportedMediaTypeError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.As(err, &unsupported):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"code": "unsupported_media_type", "error": err.Error()})
	default:
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
