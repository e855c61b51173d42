package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for an HTTP listener.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the chat service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode bearer tokens are treated as user IDs directly.
	Mode string

	// Database
	DBURL string

	// Datastore backend type: "postgres" or "sqlite".
	DatastoreType string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Presence backend type: "redis", "memory", or "none".
	PresenceType string

	// Redis
	RedisURL string

	// TypingTTL is how long a typing signal stays visible without renewal.
	TypingTTL time.Duration

	// Attachment store type: "s3", "mongo", or "fs".
	AttachType string

	// Attachment behavior.
	AttachmentMaxSize              int64
	AttachmentDownloadURLExpiresIn time.Duration
	// AttachmentUploadTimeout bounds the whole upload, receipt of the
	// multipart body included. Uploads that do not finish inside the
	// window fail closed.
	AttachmentUploadTimeout time.Duration

	// Image sanitizer.
	ImageMaxDimension int
	ImageJPEGQuality  int

	// Message limits.
	TextMaxLength     int
	ThreadPageLimit   int
	MessagePageLimit  int
	UserSearchLimit   int
	GroupMembersLimit int

	// Profile directory type: "http" or "stub".
	ProfileType string
	// ProfileBaseURL is the base URL of the external profile service,
	// e.g. "https://profiles.internal" (the lookup GETs <base>/users/<id>).
	ProfileBaseURL string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // internal URL for OIDC discovery when the issuer is not reachable

	// APIKeys maps API key values to user IDs (CHAT_SERVICE_API_KEYS_<USER>=<key>).
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// S3
	S3Bucket           string
	S3Prefix           string
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Mongo attachment store.
	MongoURL      string
	MongoDatabase string

	// Filesystem attachment store root directory.
	FSRoot string

	// Server
	Listener ListenerConfig

	// ManagementListener is used for health and metrics when
	// ManagementListenerEnabled is set; otherwise those routes are
	// served on the main listener.
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool

	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Body size limit (bytes) for non-multipart requests.
	MaxBodySize int64

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string

	// Graceful shutdown drain timeout (seconds).
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                           ModeProd,
		DatastoreType:                  "postgres",
		DatastoreMigrateAtStart:        true,
		PresenceType:                   "none",
		TypingTTL:                      8 * time.Second,
		AttachType:                     "fs",
		AttachmentMaxSize:              25 * 1024 * 1024, // 25 MB
		AttachmentDownloadURLExpiresIn: 5 * time.Minute,
		AttachmentUploadTimeout:        60 * time.Second,
		ImageMaxDimension:              2048,
		ImageJPEGQuality:               85,
		TextMaxLength:                  2000,
		ThreadPageLimit:                50,
		MessagePageLimit:               100,
		UserSearchLimit:                50,
		GroupMembersLimit:              64,
		ProfileType:                    "stub",
		MongoDatabase:                  "chat",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			Port:              9000,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:    1024 * 1024,
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}

// LoadAPIKeysFromEnv populates APIKeys from CHAT_SERVICE_API_KEYS_<USER_ID>=<key>
// environment variables, mapping each key value to its user ID.
func (c *Config) LoadAPIKeysFromEnv() {
	const prefix = "CHAT_SERVICE_API_KEYS_"
	for _, kv := range os.Environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 || !strings.HasPrefix(kv[:idx], prefix) {
			continue
		}
		userID := strings.ToLower(strings.TrimPrefix(kv[:idx], prefix))
		key := kv[idx+1:]
		if userID == "" || key == "" {
			continue
		}
		if c.APIKeys == nil {
			c.APIKeys = map[string]string{}
		}
		c.APIKeys[key] = userID
	}
}
