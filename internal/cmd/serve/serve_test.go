package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsUploadRequest(t *testing.T) {
	t.Run("multipart attachment upload bypasses the body limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/threads/3a6e44a4-0f3b-4f5f-b2ac-2b9dd7cbb001/attachments", strings.NewReader("abcdef"))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.True(t, isUploadRequest(req))
	})

	t.Run("json post to the attachments path is not an upload", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/threads/3a6e44a4-0f3b-4f5f-b2ac-2b9dd7cbb001/attachments", strings.NewReader(`{"caption":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		require.False(t, isUploadRequest(req))
	})

	t.Run("other endpoints are not uploads", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/threads", strings.NewReader(`{"peerId":"bob"}`))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
		require.False(t, isUploadRequest(req))
	})
}

func TestMaxBodySizeMiddleware_SkipsForMultipartAttachmentUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/threads/:threadId/attachments", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/threads/3a6e44a4-0f3b-4f5f-b2ac-2b9dd7cbb001/attachments", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddleware_EnforcesForOtherEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(4))
	router.POST("/v1/threads", readBodyLengthHandler)

	req := httptest.NewRequest(http.MethodPost, "/v1/threads", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func readBodyLengthHandler(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	c.String(http.StatusOK, "%d", n)
}
