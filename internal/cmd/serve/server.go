package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chatline/chat-service/internal/config"
	"github.com/chatline/chat-service/internal/plugin/route/attachments"
	"github.com/chatline/chat-service/internal/plugin/route/messages"
	routesystem "github.com/chatline/chat-service/internal/plugin/route/system"
	"github.com/chatline/chat-service/internal/plugin/route/threads"
	"github.com/chatline/chat-service/internal/plugin/route/users"
	storemetrics "github.com/chatline/chat-service/internal/plugin/store/metrics"
	registryattach "github.com/chatline/chat-service/internal/registry/attach"
	registrymigrate "github.com/chatline/chat-service/internal/registry/migrate"
	registrypresence "github.com/chatline/chat-service/internal/registry/presence"
	registryprofile "github.com/chatline/chat-service/internal/registry/profile"
	registryroute "github.com/chatline/chat-service/internal/registry/route"
	registrystore "github.com/chatline/chat-service/internal/registry/store"
	"github.com/chatline/chat-service/internal/security"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ChatStore
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts the HTTP server.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"presence", cfg.PresenceType,
		"attachments", cfg.AttachType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Initialize attachment object store (optional). Without it the
	// attachment endpoints are not mounted and threads are text-only.
	var objects registryattach.ObjectStore
	if cfg.AttachType != "" && cfg.AttachType != "none" {
		attachLoader, err := registryattach.Select(cfg.AttachType)
		if err != nil {
			log.Warn("Attachment store not available", "err", err)
		} else {
			objects, err = attachLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize attachment store", "err", err)
			}
		}
	}

	// Initialize typing presence. The noop backend keeps typing endpoints
	// responding when no presence backend is configured.
	var typing registrypresence.TypingPresence
	presenceLoader, err := registrypresence.Select(cfg.PresenceType)
	if err != nil {
		return nil, err
	}
	typing, err = presenceLoader(ctx)
	if err != nil {
		log.Warn("Failed to initialize presence backend", "presence", cfg.PresenceType, "err", err)
		noopLoader, nerr := registrypresence.Select("none")
		if nerr != nil {
			return nil, nerr
		}
		if typing, err = noopLoader(ctx); err != nil {
			return nil, err
		}
	}

	// Initialize the profile directory used to enrich thread listings.
	profileLoader, err := registryprofile.Select(cfg.ProfileType)
	if err != nil {
		return nil, err
	}
	profiles, err := profileLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize profile directory: %w", err)
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Mount API routes
	threads.MountRoutes(router, store, typing, profiles, auth)
	messages.MountRoutes(router, store, auth)
	attachments.MountRoutes(router, store, objects, cfg, auth)
	users.MountRoutes(router, store, auth)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router so existing single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := StartHTTPListener(ctx, cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
