package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chatline/chat-service/internal/config"
	registryattach "github.com/chatline/chat-service/internal/registry/attach"
	registrypresence "github.com/chatline/chat-service/internal/registry/presence"
	registryprofile "github.com/chatline/chat-service/internal/registry/profile"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chatline/chat-service/internal/plugin/attach/fsstore"
	_ "github.com/chatline/chat-service/internal/plugin/attach/mongostore"
	_ "github.com/chatline/chat-service/internal/plugin/attach/s3store"
	_ "github.com/chatline/chat-service/internal/plugin/presence/memory"
	_ "github.com/chatline/chat-service/internal/plugin/presence/noop"
	_ "github.com/chatline/chat-service/internal/plugin/presence/redis"
	_ "github.com/chatline/chat-service/internal/plugin/profile/httpprofile"
	_ "github.com/chatline/chat-service/internal/plugin/profile/stub"
	_ "github.com/chatline/chat-service/internal/plugin/route/system"
	_ "github.com/chatline/chat-service/internal/plugin/store/gormstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var typingTTLSecs int = int(cfg.TypingTTL / time.Second)
	var urlExpirySecs int = int(cfg.AttachmentDownloadURLExpiresIn / time.Second)
	var uploadTimeoutSecs int = int(cfg.AttachmentUploadTimeout / time.Second)
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat service HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &typingTTLSecs, &urlExpirySecs, &uploadTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			cfg.TypingTTL = time.Duration(typingTTLSecs) * time.Second
			cfg.AttachmentDownloadURLExpiresIn = time.Duration(urlExpirySecs) * time.Second
			cfg.AttachmentUploadTimeout = time.Duration(uploadTimeoutSecs) * time.Second
			cfg.LoadAPIKeysFromEnv()
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs, typingTTLSecs, urlExpirySecs, uploadTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing treats bearer tokens as user IDs",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TEMP_DIR"),
			Destination: &cfg.TempDir,
			Usage:       "Directory for temporary files; defaults to OS temp directory",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes for non-upload requests",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS handling",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_SERVICE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (empty = any)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Presence ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "presence-kind",
			Category:    "Presence:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PRESENCE_KIND"),
			Destination: &cfg.PresenceType,
			Value:       cfg.PresenceType,
			Usage:       "Typing presence backend (" + strings.Join(registrypresence.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Presence:",
			Sources:     cli.EnvVars("CHAT_SERVICE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the redis presence backend",
		},
		&cli.IntFlag{
			Name:        "typing-ttl-seconds",
			Category:    "Presence:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TYPING_TTL_SECONDS"),
			Destination: typingTTLSecs,
			Value:       *typingTTLSecs,
			Usage:       "How long a typing signal stays visible without renewal, in seconds",
		},

		// ── Attachment Storage ────────────────────────────────────
		&cli.StringFlag{
			Name:        "attachments-kind",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_KIND"),
			Destination: &cfg.AttachType,
			Value:       cfg.AttachType,
			Usage:       "Attachment store (" + strings.Join(registryattach.Names(), "|") + ")",
		},
		&cli.Int64Flag{
			Name:        "attachments-max-size",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_MAX_SIZE"),
			Destination: &cfg.AttachmentMaxSize,
			Value:       cfg.AttachmentMaxSize,
			Usage:       "Maximum attachment size in bytes",
		},
		&cli.IntFlag{
			Name:        "attachments-url-expiry-seconds",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_URL_EXPIRY_SECONDS"),
			Destination: urlExpirySecs,
			Value:       *urlExpirySecs,
			Usage:       "Lifetime of signed download URLs in seconds",
		},
		&cli.IntFlag{
			Name:        "attachments-upload-timeout-seconds",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_UPLOAD_TIMEOUT_SECONDS"),
			Destination: uploadTimeoutSecs,
			Value:       *uploadTimeoutSecs,
			Usage:       "Window for an upload to complete before it fails closed, in seconds",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-bucket",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for attachments",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-prefix",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix inside the S3 bucket",
		},
		&cli.StringFlag{
			Name:        "attachments-s3-external-endpoint",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_S3_EXTERNAL_ENDPOINT"),
			Destination: &cfg.S3ExternalEndpoint,
			Usage:       "External S3 endpoint to rewrite signed URLs to (for clients outside the cluster)",
		},
		&cli.BoolFlag{
			Name:        "attachments-s3-use-path-style",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},
		&cli.StringFlag{
			Name:        "attachments-mongo-url",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_MONGO_URL"),
			Destination: &cfg.MongoURL,
			Usage:       "MongoDB connection URL for the GridFS attachment store",
		},
		&cli.StringFlag{
			Name:        "attachments-mongo-database",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_MONGO_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Value:       cfg.MongoDatabase,
			Usage:       "MongoDB database name for the GridFS attachment store",
		},
		&cli.StringFlag{
			Name:        "attachments-fs-root",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_ATTACHMENTS_FS_ROOT"),
			Destination: &cfg.FSRoot,
			Usage:       "Root directory for the filesystem attachment store",
		},
		&cli.IntFlag{
			Name:        "image-max-dimension",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_IMAGE_MAX_DIMENSION"),
			Destination: &cfg.ImageMaxDimension,
			Value:       cfg.ImageMaxDimension,
			Usage:       "Images larger than this on either axis are downscaled during sanitizing",
		},
		&cli.IntFlag{
			Name:        "image-jpeg-quality",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_SERVICE_IMAGE_JPEG_QUALITY"),
			Destination: &cfg.ImageJPEGQuality,
			Value:       cfg.ImageJPEGQuality,
			Usage:       "JPEG quality used when re-encoding sanitized images",
		},

		// ── Messaging ─────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "text-max-length",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("CHAT_SERVICE_TEXT_MAX_LENGTH"),
			Destination: &cfg.TextMaxLength,
			Value:       cfg.TextMaxLength,
			Usage:       "Maximum text message length in characters",
		},
		&cli.IntFlag{
			Name:        "thread-page-limit",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("CHAT_SERVICE_THREAD_PAGE_LIMIT"),
			Destination: &cfg.ThreadPageLimit,
			Value:       cfg.ThreadPageLimit,
			Usage:       "Maximum thread list page size",
		},
		&cli.IntFlag{
			Name:        "message-page-limit",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("CHAT_SERVICE_MESSAGE_PAGE_LIMIT"),
			Destination: &cfg.MessagePageLimit,
			Value:       cfg.MessagePageLimit,
			Usage:       "Maximum message history page size",
		},
		&cli.IntFlag{
			Name:        "user-search-limit",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("CHAT_SERVICE_USER_SEARCH_LIMIT"),
			Destination: &cfg.UserSearchLimit,
			Value:       cfg.UserSearchLimit,
			Usage:       "Maximum user directory search page size",
		},
		&cli.IntFlag{
			Name:        "group-members-limit",
			Category:    "Messaging:",
			Sources:     cli.EnvVars("CHAT_SERVICE_GROUP_MEMBERS_LIMIT"),
			Destination: &cfg.GroupMembersLimit,
			Value:       cfg.GroupMembersLimit,
			Usage:       "Maximum number of members in a group thread",
		},

		// ── Profiles ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "profile-kind",
			Category:    "Profiles:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PROFILE_KIND"),
			Destination: &cfg.ProfileType,
			Value:       cfg.ProfileType,
			Usage:       "Profile directory (" + strings.Join(registryprofile.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "profile-base-url",
			Category:    "Profiles:",
			Sources:     cli.EnvVars("CHAT_SERVICE_PROFILE_BASE_URL"),
			Destination: &cfg.ProfileBaseURL,
			Usage:       "Base URL of the external profile service",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_SERVICE_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=chat-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUploadRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

// isUploadRequest reports whether the request is a multipart attachment
// upload, which is size-limited by the attachment store instead of the
// request body limit.
func isUploadRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodPost {
		return false
	}
	path := req.URL.Path
	if !strings.HasPrefix(path, "/v1/threads/") || !strings.HasSuffix(path, "/attachments") {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
