package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/config"
	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/db"
	"github.com/energizer-project/gpgrelay/internal/events"
	intnet "github.com/energizer-project/gpgrelay/internal/network"
	"github.com/energizer-project/gpgrelay/internal/relay"
	"github.com/energizer-project/gpgrelay/internal/resolver"
	"github.com/energizer-project/gpgrelay/internal/util"
)

// RelayStatus is the read side of the relay server.
type RelayStatus interface {
	Status(ctx context.Context) relay.ServerStatus
	Active() (relay.Status, bool)
	Peers() []resolver.Mapping
}

// Prober is the connectivity probe as seen by the API.
type Prober interface {
	Run(ctx context.Context) (connectivity.Result, error)
	State() connectivity.Result
	Running() bool
	Reset()
}

// History is the session history store.
type History interface {
	Sessions(limit int) ([]db.SessionRecord, error)
	PeerDrops(sessionID string) ([]db.PeerDropRecord, error)
	Connectivity(limit int) ([]db.ConnectivityRecord, error)
}

// Deps are the components the API reports on.
type Deps struct {
	Config  *config.Config
	Relay   RelayStatus
	Probe   Prober
	History History // nil when storage is disabled
}

// Server is the local status API.
type Server struct {
	cfg      config.APIConfig
	deps     Deps
	eventBus *events.EventBus
	logger   zerolog.Logger

	// ctx outlives requests; probes started over the API run under it
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	router     *gin.Engine
	probes     sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, deps Deps, eventBus *events.EventBus) *Server {
	if deps.Config != nil && deps.Config.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		eventBus: eventBus,
		logger:   log.With().Str("component", "api").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = config.DefaultAPIAddr
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.TLSEnabled).Msg("status API listening")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if s.cfg.TLSEnabled {
		host, _, _ := net.SplitHostPort(addr)
		if err := util.EnsureCertificate(s.cfg.CertFile, s.cfg.KeyFile, host, "localhost"); err != nil {
			ln.Close()
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleStatus)
		api.GET("/peers", s.handlePeers)
		api.GET("/connectivity", s.handleConnectivity)
		api.POST("/probe", s.handleProbe)
		api.GET("/sessions", s.handleSessions)
		api.GET("/sessions/:id/drops", s.handlePeerDrops)
		api.GET("/system", s.handleSystem)
		api.GET("/config", s.handleConfig)
		api.GET("/events", s.handleEvents(allowedOrigins))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "gpgrelay status API"})
	})

	return router
}

// Stop shuts the HTTP server down and waits for probes started over the API.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	s.probes.Wait()
	return err
}
