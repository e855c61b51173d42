// Package mediaproc holds the validation and sanitizing steps of the
// attachment pipeline: content-type whitelisting, and best-effort image
// re-encoding that strips metadata and bounds pixel dimensions.
package mediaproc

import (
	"bytes"
	"image"
	"image/jpeg"
	"mime"
	"strings"

	_ "image/gif"
	_ "image/png"

	"github.com/charmbracelet/log"
	"github.com/chatline/chat-service/internal/model"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

var audioTypes = map[string]bool{
	"audio/mpeg": true,
	"audio/mp4":  true,
	"audio/ogg":  true,
	"audio/wav":  true,
}

// KindForContentType maps a whitelisted content type to the message kind it
// produces. Anything outside the whitelist is rejected; nothing may be
// stored for a rejected type.
func KindForContentType(contentType string) (model.MessageKind, error) {
	ct := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		ct = parsed
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	switch {
	case imageTypes[ct]:
		return model.MessageKindImage, nil
	case audioTypes[ct]:
		return model.MessageKindAudio, nil
	default:
		return "", &registrystore.UnsupportedMediaTypeError{ContentType: contentType}
	}
}

// SanitizeImage re-encodes an image as JPEG, which strips embedded metadata,
// scaling it down first when either dimension exceeds maxDim. Animated GIFs
// pass through untouched since re-encoding would flatten them. Any decode or
// encode failure falls back to the original bytes; sanitizing is best effort
// and never blocks an upload on its own.
func SanitizeImage(data []byte, contentType string, maxDim, quality int) ([]byte, string) {
	if strings.HasPrefix(contentType, "image/gif") {
		return data, contentType
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Debug("Image sanitize skipped: decode failed", "contentType", contentType, "err", err)
		return data, contentType
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxDim > 0 && (w > maxDim || h > maxDim) {
		if w >= h {
			h = h * maxDim / w
			w = maxDim
		} else {
			w = w * maxDim / h
			h = maxDim
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), img, bounds, draw.Over, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		log.Debug("Image sanitize skipped: encode failed", "err", err)
		return data, contentType
	}
	return buf.Bytes(), "image/jpeg"
}
