// Package users mounts the user directory search route.
package users

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	registryroute "github.com/chatline/chat-service/internal/registry/route"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 400,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts user directory routes.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/users", func(c *gin.Context) {
		searchUsers(c, store)
	})
}

func searchUsers(c *gin.Context, store registrystore.ChatStore) {
	query := c.Query("query")
	limit := queryInt(c, "limit", 20)

	users, err := store.SearchUsers(c.Request.Context(), query, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": users})
}

func handleError(c *gin.Context, err error) {
	var validation *registrystore.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
		return
	}
	log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
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
