package users_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatline/chat-service/internal/config"
	"github.com/chatline/chat-service/internal/model"
	"github.com/chatline/chat-service/internal/plugin/route/users"
	"github.com/chatline/chat-service/internal/plugin/store/gormstore"
	"github.com/chatline/chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupUsersRouter(t *testing.T) *gin.Engine {
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

	ctx := config.WithContext(context.Background(), &cfg)
	for _, u := range []model.User{
		{ID: "anna", Handle: "anna", Email: "anna@example.com", DisplayName: "Anna"},
		{ID: "annabel", Handle: "annabel", Email: "annabel@example.com", DisplayName: "Annabel"},
		{ID: "bob", Handle: "bob", Email: "bob@example.com", DisplayName: "Bob"},
	} {
		require.NoError(t, store.UpsertUser(ctx, u))
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	users.MountRoutes(router, store, auth)
	return router
}

func search(t *testing.T, router *gin.Engine, query string) []map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/users?query="+query, nil)
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	return payload.Data
}

func TestSearchUsers(t *testing.T) {
	router := setupUsersRouter(t)

	results := search(t, router, "ann")
	require.Len(t, results, 2)
	require.Equal(t, "anna", results[0]["handle"])
	require.Equal(t, "annabel", results[1]["handle"])

	// Email fallback when no handle matches the prefix.
	results = search(t, router, "bob@example.com")
	require.Len(t, results, 1)
	require.Equal(t, "bob", results[0]["id"])

	// Blank queries return nothing rather than the whole directory.
	results = search(t, router, "")
	require.Empty(t, results)
}

func TestSearchUsers_RequiresAuth(t *testing.T) {
	router := setupUsersRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/users?query=ann", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
