package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"rpcbatchd/internal/cache"
	"rpcbatchd/internal/config"
	"rpcbatchd/internal/gateway"
	"rpcbatchd/internal/plugin"
	"rpcbatchd/internal/upstream"
	"rpcbatchd/internal/ws"
)

// Server wires the gateway together and runs the HTTP and WebSocket
// listeners.
type Server struct {
	cfg           *config.Config
	router        *gateway.Router
	cache         cache.Cache
	policy        *cache.Policy
	pluginManager *plugin.Manager
	rpcServer     *http.Server
	wsServer      *http.Server
	logger        zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := gateway.NewRouter()

	var rpcCache cache.Cache
	var policy *cache.Policy
	if cfg.IsCacheEnabled() {
		var err error
		rpcCache, err = cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		policy = cache.NewPolicy(cfg.Cache.Methods)
		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("ttl", cfg.Cache.TTL).
			Strs("methods", cfg.Cache.Methods).
			Msg("cache enabled")
	} else {
		rpcCache = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	var pluginMgr *plugin.Manager
	if cfg.IsPluginsEnabled() {
		pluginMgr = plugin.NewManager(cfg.GetPluginTimeoutDuration(), logger)

		if err := pluginMgr.LoadFromDirectory(cfg.GetPluginDirectory()); err != nil {
			return nil, fmt.Errorf("failed to load plugins: %w", err)
		}

		if methods := pluginMgr.GetMethods(); len(methods) > 0 {
			logger.Info().
				Strs("methods", methods).
				Str("directory", cfg.GetPluginDirectory()).
				Msg("plugins enabled")
		} else {
			logger.Info().
				Str("directory", cfg.GetPluginDirectory()).
				Msg("plugins enabled but no plugins loaded")
		}
	} else {
		logger.Info().Msg("plugins disabled")
	}

	return &Server{
		cfg:           cfg,
		router:        router,
		cache:         rpcCache,
		policy:        policy,
		pluginManager: pluginMgr,
		logger:        logger,
	}, nil
}

// AddGroup adds an upstream group to the server
func (s *Server) AddGroup(groupCfg config.GroupConfig) error {
	pool := upstream.NewPool(groupCfg, s.cfg, s.logger)

	coalescer, err := gateway.NewCoalescer(s.cfg, pool, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create coalescer for group %s: %w", groupCfg.Name, err)
	}

	s.router.AddGroup(&gateway.Group{
		Name:      groupCfg.Name,
		Pool:      pool,
		Coalescer: coalescer,
	})

	s.logger.Info().
		Str("group", groupCfg.Name).
		Int("upstreams", len(groupCfg.Upstreams)).
		Msg("added group")
	return nil
}

// Start starts the server
func (s *Server) Start() error {
	for _, g := range s.router.Groups() {
		g.Pool.Start()
	}

	var runner plugin.Runner
	if s.pluginManager != nil {
		runner = s.pluginManager
	}
	rpcHandler := gateway.NewHandler(s.router, s.cache, s.policy, runner, s.cfg, s.logger)
	wsHandler := ws.NewHandler(s.router, rpcHandler, s.logger)

	rpcAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.RPCPort)
	wsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.WSPort)

	s.rpcServer = &http.Server{
		Addr:         rpcAddr,
		Handler:      rpcHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", rpcAddr).
			Msg("starting RPC server")
		if err := s.rpcServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	s.wsServer = &http.Server{
		Addr:        wsAddr,
		Handler:     wsHandler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", wsAddr).
			Msg("starting WebSocket server")
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()

	for _, g := range s.router.Groups() {
		s.logger.Info().
			Str("group", g.Name).
			Str("rpc", fmt.Sprintf("http://%s/%s", rpcAddr, g.Name)).
			Str("ws", fmt.Sprintf("ws://%s/%s", wsAddr, g.Name)).
			Msg("endpoint available")
	}

	return nil
}

// Stop gracefully stops the server. Listeners close first so no new
// requests are admitted, then each coalescer drains its in-flight
// batches.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var rpcErr, wsErr error
	if s.rpcServer != nil {
		rpcErr = s.rpcServer.Shutdown(ctx)
	}
	if s.wsServer != nil {
		wsErr = s.wsServer.Shutdown(ctx)
	}

	for _, g := range s.router.Groups() {
		if err := g.Coalescer.Close(ctx); err != nil {
			s.logger.Warn().
				Err(err).
				Str("group", g.Name).
				Msg("coalescer did not drain cleanly")
		}
		g.Pool.Stop()
	}

	if s.pluginManager != nil {
		s.pluginManager.Close()
	}

	if s.cache != nil {
		s.cache.Close()
	}

	if rpcErr != nil {
		return fmt.Errorf("RPC server shutdown error: %w", rpcErr)
	}
	if wsErr != nil {
		return fmt.Errorf("WebSocket server shutdown error: %w", wsErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// Router returns the request router
func (s *Server) Router() *gateway.Router {
	return s.router
}
