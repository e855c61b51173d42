package attachments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatline/chat-service/internal/config"
	"github.com/chatline/chat-service/internal/model"
	"github.com/chatline/chat-service/internal/plugin/attach/fsstore"
	"github.com/chatline/chat-service/internal/plugin/route/attachments"
	"github.com/chatline/chat-service/internal/plugin/store/gormstore"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	router  *gin.Engine
	store   registrystore.ChatStore
	cfg     *config.Config
	objRoot string
}

func setupAttachmentsRouter(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Thread{}, &model.ThreadMember{}, &model.Message{}, &model.User{}))

	cfg := config.DefaultConfig()
	cfg.AttachmentMaxSize = 64 * 1024
	store := gormstore.NewWithDB(db, &cfg)

	objRoot := t.TempDir()
	objects, err := fsstore.New(objRoot)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	attachments.MountRoutes(router, store, objects, &cfg, auth)
	return &fixture{router: router, store: store, cfg: &cfg, objRoot: objRoot}
}

func (f *fixture) openThread(t *testing.T, selfID, peerID string) string {
	t.Helper()
	ctx := config.WithContext(context.Background(), f.cfg)
	thread, _, err := f.store.OpenDirect(ctx, selfID, peerID)
	require.NoError(t, err)
	return thread.ID.String()
}

// upload posts a multipart file with the given content type and optional
// extra form fields.
func (f *fixture) upload(t *testing.T, threadID, userID, contentType string, payload []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="upload.bin"`)
	hdr.Set("Content-Type", contentType)
	part, err := writer.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/"+threadID+"/attachments", form)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+userID)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// storedObjects counts files under the object store root.
func (f *fixture) storedObjects(t *testing.T) int {
	t.Helper()
	count := 0
	err := filepath.Walk(f.objRoot, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

// messageCount reads the thread history directly from the store.
func (f *fixture) messageCount(t *testing.T, threadID, userID string) int {
	t.Helper()
	ctx := config.WithContext(context.Background(), f.cfg)
	id, err := uuid.Parse(threadID)
	require.NoError(t, err)
	page, err := f.store.GetMessages(ctx, id, userID, nil, 100)
	require.NoError(t, err)
	return len(page.Data)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestUploadImage(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	w := f.upload(t, threadID, "alice", "image/png", pngBytes(t, 8, 8), map[string]string{
		"caption": "look at this",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg struct {
		Kind     string  `json:"kind"`
		MediaURL string  `json:"mediaUrl"`
		Text     *string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	require.Equal(t, "image", msg.Kind)
	require.True(t, strings.HasPrefix(msg.MediaURL, "/v1/media/threads/"+threadID+"/"), msg.MediaURL)
	require.NotNil(t, msg.Text)
	require.Equal(t, "look at this", *msg.Text)
	require.Equal(t, 1, f.storedObjects(t))

	// The peer can download through the media route.
	req := httptest.NewRequest(http.MethodGet, msg.MediaURL, nil)
	req.Header.Set("Authorization", "Bearer bob")
	dl := httptest.NewRecorder()
	f.router.ServeHTTP(dl, req)
	require.Equal(t, http.StatusOK, dl.Code)
	require.NotEmpty(t, dl.Body.Bytes())

	// Non-members cannot.
	req = httptest.NewRequest(http.MethodGet, msg.MediaURL, nil)
	req.Header.Set("Authorization", "Bearer mallory")
	dl = httptest.NewRecorder()
	f.router.ServeHTTP(dl, req)
	require.Equal(t, http.StatusForbidden, dl.Code)
}

func TestUploadVoiceNote(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	w := f.upload(t, threadID, "alice", "audio/ogg", []byte("not-really-ogg"), map[string]string{
		"durationMs": "3200",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg struct {
		Kind       string `json:"kind"`
		DurationMs *int64 `json:"durationMs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	require.Equal(t, "audio", msg.Kind)
	require.NotNil(t, msg.DurationMs)
	require.Equal(t, int64(3200), *msg.DurationMs)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	w := f.upload(t, threadID, "alice", "application/pdf", []byte("%PDF-1.4"), nil)
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	// A rejected upload stores no object and records no message.
	require.Equal(t, 0, f.storedObjects(t))
	require.Equal(t, 0, f.messageCount(t, threadID, "alice"))
}

func TestUploadRejectsOversize(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	big := bytes.Repeat([]byte("a"), int(f.cfg.AttachmentMaxSize)+1)
	w := f.upload(t, threadID, "alice", "audio/ogg", big, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 0, f.storedObjects(t))
}

func TestUploadRejectsOversizeCaption(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	w := f.upload(t, threadID, "alice", "image/png", pngBytes(t, 4, 4), map[string]string{
		"caption": strings.Repeat("a", f.cfg.TextMaxLength+1),
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	// The stored object is cleaned up when recording fails.
	require.Equal(t, 0, f.storedObjects(t))
	require.Equal(t, 0, f.messageCount(t, threadID, "alice"))
}

func TestUploadTimesOutFailsClosed(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	// An already-expired window makes the first body read fail, standing in
	// for a body that trickles past the bound.
	f.cfg.AttachmentUploadTimeout = time.Nanosecond
	w := f.upload(t, threadID, "alice", "image/png", pngBytes(t, 4, 4), nil)
	require.Equal(t, http.StatusRequestTimeout, w.Code, w.Body.String())
	require.Equal(t, 0, f.storedObjects(t))

	f.cfg.AttachmentUploadTimeout = time.Minute
	require.Equal(t, 0, f.messageCount(t, threadID, "alice"))
}

func TestUploadRejectsInvalidDuration(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	w := f.upload(t, threadID, "alice", "audio/ogg", []byte("audio"), map[string]string{
		"durationMs": "-5",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 0, f.storedObjects(t))
}

func TestUploadRequiresMembership(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	w := f.upload(t, threadID, "mallory", "image/png", pngBytes(t, 4, 4), nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, 0, f.storedObjects(t))
}

func TestUploadRequiresFile(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)
	require.NoError(t, writer.WriteField("caption", "no file here"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/"+threadID+"/attachments", form)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadUnknownKey(t *testing.T) {
	f := setupAttachmentsRouter(t)
	threadID := f.openThread(t, "alice", "bob")

	req := httptest.NewRequest(http.MethodGet, "/v1/media/threads/"+threadID+"/alice/12345", nil)
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	// Keys that do not embed a thread ID are not served at all.
	req = httptest.NewRequest(http.MethodGet, "/v1/media/loose-object", nil)
	req.Header.Set("Authorization", "Bearer alice")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
