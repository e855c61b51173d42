// Package mongostore stores attachment objects in MongoDB GridFS. It has no
// signed-URL support; downloads are streamed through the service's media
// route instead.
package mongostore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/chatline/chat-service/internal/config"
	registryattach "github.com/chatline/chat-service/internal/registry/attach"
	"github.com/chatline/chat-service/internal/tempfiles"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "mongo",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registryattach.ObjectStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.MongoURL == "" {
		return nil, fmt.Errorf("mongostore: MONGO_URL is required")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}
	db := client.Database(cfg.MongoDatabase)
	return &MongoObjectStore{
		bucket:  db.GridFSBucket(),
		tempDir: cfg.ResolvedTempDir(),
	}, nil
}

type MongoObjectStore struct {
	bucket  *mongo.GridFSBucket
	tempDir string
}

// Put uploads the object to GridFS under the caller's key. The returned URL
// is empty; the media route serves downloads for backends without signing.
func (s *MongoObjectStore) Put(ctx context.Context, key string, data io.Reader, maxSize int64, contentType string) (*registryattach.PutResult, error) {
	limited := io.LimitReader(data, maxSize+1)
	counted := &countingReader{r: limited}

	opts := options.GridFSUpload().SetMetadata(map[string]string{"contentType": contentType})
	if err := s.bucket.UploadFromStreamWithID(ctx, key, key, counted, opts); err != nil {
		return nil, fmt.Errorf("mongostore: gridfs upload: %w", err)
	}
	if counted.n > maxSize {
		// Delete the oversized upload.
		_ = s.bucket.Delete(ctx, key)
		return nil, fmt.Errorf("file exceeds maximum size of %d bytes", maxSize)
	}

	return &registryattach.PutResult{
		Key:  key,
		Size: counted.n,
	}, nil
}

// Get streams the object into a temp file first so the caller holds a plain
// ReadCloser rather than an open GridFS cursor.
func (s *MongoObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	tmp, err := tempfiles.Create(s.tempDir, "chat-service-mongo-media-*")
	if err != nil {
		return nil, fmt.Errorf("mongostore: create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	ds, err := s.bucket.OpenDownloadStream(ctx, key)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("object not found: %s", key)
	}
	defer ds.Close()

	if _, err := io.Copy(tmp, ds); err != nil {
		cleanup()
		return nil, fmt.Errorf("mongostore: spool gridfs stream: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("mongostore: rewind temp file: %w", err)
	}
	return tempfiles.NewDeleteOnClose(tmp), nil
}

func (s *MongoObjectStore) Delete(ctx context.Context, key string) error {
	return s.bucket.Delete(ctx, key)
}

func (s *MongoObjectStore) SignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed URLs not supported for mongo object store")
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
