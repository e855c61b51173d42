package client_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatline/chat-service/client"
	"github.com/chatline/chat-service/internal/config"
	"github.com/chatline/chat-service/internal/model"
	"github.com/chatline/chat-service/internal/plugin/attach/fsstore"
	presencememory "github.com/chatline/chat-service/internal/plugin/presence/memory"
	"github.com/chatline/chat-service/internal/plugin/route/attachments"
	"github.com/chatline/chat-service/internal/plugin/route/messages"
	"github.com/chatline/chat-service/internal/plugin/route/threads"
	"github.com/chatline/chat-service/internal/plugin/route/users"
	registryprofile "github.com/chatline/chat-service/internal/registry/profile"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/plugin/store/gormstore"
	"github.com/chatline/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubDirectory struct{}

func (stubDirectory) GetPublicProfile(_ context.Context, id string) (registryprofile.PublicProfile, error) {
	return registryprofile.Stub(id), nil
}

// startService runs the full route stack on an httptest server backed by an
// in-memory database and a filesystem object store.
func startService(t *testing.T) (*httptest.Server, registrystore.ChatStore) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Thread{}, &model.ThreadMember{}, &model.Message{}, &model.User{}))

	cfg := config.DefaultConfig()
	store := gormstore.NewWithDB(db, &cfg)
	objects, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	typing := presencememory.New(cfg.TypingTTL)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	threads.MountRoutes(router, store, typing, stubDirectory{}, auth)
	messages.MountRoutes(router, store, auth)
	attachments.MountRoutes(router, store, objects, &cfg, auth)
	users.MountRoutes(router, store, auth)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, store
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 64, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestClient_DirectConversation(t *testing.T) {
	server, _ := startService(t)
	ctx := context.Background()

	alice, err := client.New(server.URL, "alice")
	require.NoError(t, err)
	bob, err := client.New(server.URL, "bob")
	require.NoError(t, err)

	thread, created, err := alice.OpenDirect(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, created)

	// Opening from the other side resolves to the same thread.
	same, created, err := bob.OpenDirect(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, thread.ID, same.ID)

	msg, err := alice.SendText(ctx, thread.ID, "hi bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "text", msg.Kind)

	// Bob sees the unread count and the preview.
	page, err := bob.ListThreads(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, 1, page.Data[0].Unread)
	require.NotNil(t, page.Data[0].LastMessage)
	assert.Equal(t, "hi bob", *page.Data[0].LastMessage)

	require.NoError(t, bob.MarkRead(ctx, thread.ID))
	got, err := bob.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Unread)

	// Non-members are rejected with a typed error.
	mallory, err := client.New(server.URL, "mallory")
	require.NoError(t, err)
	_, err = mallory.GetThread(ctx, thread.ID)
	require.Error(t, err)
	assert.True(t, client.IsForbidden(err))
}

func TestClient_MessagePagination(t *testing.T) {
	server, _ := startService(t)
	ctx := context.Background()

	alice, err := client.New(server.URL, "alice")
	require.NoError(t, err)
	thread, _, err := alice.OpenDirect(ctx, "bob")
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := alice.SendText(ctx, thread.ID, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	view := client.NewThreadView(alice, thread.ID)
	for {
		n, err := view.LoadOlder(ctx, 2)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	entries := view.Entries()
	require.Len(t, entries, 5)
	assert.Equal(t, "m5", *entries[0].Text)
	assert.Equal(t, "m1", *entries[4].Text)
}

func TestClient_IdempotentSend(t *testing.T) {
	server, _ := startService(t)
	ctx := context.Background()

	alice, err := client.New(server.URL, "alice")
	require.NoError(t, err)
	thread, _, err := alice.OpenDirect(ctx, "bob")
	require.NoError(t, err)

	token := "retry-token"
	first, err := alice.SendText(ctx, thread.ID, "once", &token)
	require.NoError(t, err)
	second, err := alice.SendText(ctx, thread.ID, "once", &token)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestClient_AttachmentRoundTrip(t *testing.T) {
	server, _ := startService(t)
	ctx := context.Background()

	alice, err := client.New(server.URL, "alice")
	require.NoError(t, err)
	bob, err := client.New(server.URL, "bob")
	require.NoError(t, err)
	thread, _, err := alice.OpenDirect(ctx, "bob")
	require.NoError(t, err)

	msg, err := alice.SendAttachment(ctx, thread.ID, "photo.png", "image/png",
		bytes.NewReader(pngBytes(t, 16, 16)), client.AttachmentOptions{Caption: "holiday"})
	require.NoError(t, err)
	assert.Equal(t, "image", msg.Kind)
	require.NotNil(t, msg.MediaURL)

	rc, err := bob.DownloadMedia(ctx, *msg.MediaURL)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// The thread preview shows the media label, not raw bytes.
	page, err := bob.ListThreads(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.NotNil(t, page.Data[0].LastMessage)
	assert.Equal(t, "Photo", *page.Data[0].LastMessage)

	// Unsupported types surface the server's rejection.
	_, err = alice.SendAttachment(ctx, thread.ID, "doc.pdf", "application/pdf",
		strings.NewReader("%PDF-1.4"), client.AttachmentOptions{})
	require.Error(t, err)
}

func TestClient_SearchUsers(t *testing.T) {
	server, store := startService(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	seedCtx := config.WithContext(ctx, &cfg)
	require.NoError(t, store.UpsertUser(seedCtx, model.User{ID: "anna", Handle: "anna", Email: "anna@example.com"}))
	require.NoError(t, store.UpsertUser(seedCtx, model.User{ID: "bob", Handle: "bob", Email: "bob@example.com"}))

	alice, err := client.New(server.URL, "alice")
	require.NoError(t, err)
	found, err := alice.SearchUsers(ctx, "ann", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "anna", found[0].ID)
}
