package mediaproc_test

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/chatline/chat-service/internal/mediaproc"
	"github.com/chatline/chat-service/internal/model"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForContentType(t *testing.T) {
	for ct, kind := range map[string]model.MessageKind{
		"image/jpeg":               model.MessageKindImage,
		"image/png":                model.MessageKindImage,
		"image/webp":               model.MessageKindImage,
		"image/gif":                model.MessageKindImage,
		"audio/mpeg":               model.MessageKindAudio,
		"audio/mp4":                model.MessageKindAudio,
		"audio/ogg":                model.MessageKindAudio,
		"audio/wav":                model.MessageKindAudio,
		"IMAGE/JPEG":               model.MessageKindImage,
		"audio/ogg; codecs=vorbis": model.MessageKindAudio,
	} {
		got, err := mediaproc.KindForContentType(ct)
		require.NoError(t, err, ct)
		assert.Equal(t, kind, got, ct)
	}

	var unsupported *registrystore.UnsupportedMediaTypeError
	for _, ct := range []string{"application/pdf", "video/mp4", "text/html", ""} {
		_, err := mediaproc.KindForContentType(ct)
		require.Error(t, err, ct)
		assert.True(t, errors.As(err, &unsupported), ct)
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSanitizeReencodesAsJPEG(t *testing.T) {
	data := pngBytes(t, 64, 32)

	out, ct := mediaproc.SanitizeImage(data, "image/png", 2048, 85)
	assert.Equal(t, "image/jpeg", ct)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())
}

func TestSanitizeBoundsDimensions(t *testing.T) {
	data := pngBytes(t, 200, 100)

	out, ct := mediaproc.SanitizeImage(data, "image/png", 50, 85)
	assert.Equal(t, "image/jpeg", ct)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 25, img.Bounds().Dy())
}

func TestSanitizeFallsBackOnGarbage(t *testing.T) {
	data := []byte("definitely not an image")

	out, ct := mediaproc.SanitizeImage(data, "image/png", 2048, 85)
	assert.Equal(t, data, out)
	assert.Equal(t, "image/png", ct)
}

func TestSanitizePassesGIFThrough(t *testing.T) {
	data := []byte("GIF89a-pretend-animation")

	out, ct := mediaproc.SanitizeImage(data, "image/gif", 2048, 85)
	assert.Equal(t, data, out)
	assert.Equal(t, "image/gif", ct)
}
