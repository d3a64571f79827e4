package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/FeelPulse/chatrelay/internal/agent"
	"github.com/FeelPulse/chatrelay/internal/auth"
	"github.com/FeelPulse/chatrelay/internal/config"
	"github.com/FeelPulse/chatrelay/internal/logger"
	"github.com/FeelPulse/chatrelay/internal/media"
	"github.com/FeelPulse/chatrelay/internal/metrics"
	"github.com/FeelPulse/chatrelay/internal/payload"
	"github.com/FeelPulse/chatrelay/internal/quota"
	"github.com/FeelPulse/chatrelay/internal/ratelimit"
	"github.com/FeelPulse/chatrelay/internal/relay"
	"github.com/FeelPulse/chatrelay/internal/store"
	"github.com/FeelPulse/chatrelay/internal/usage"
	"github.com/FeelPulse/chatrelay/internal/watcher"
)

const (
	shutdownTimeout = 30 * time.Second
	maxBodyBytes    = 8 << 20
)

type Gateway struct {
	cfg            *config.Config
	mux            *http.ServeMux
	server         *http.Server
	relay          *relay.Relay
	db             *store.SQLiteStore
	limiter        *ratelimit.FixedWindow
	watcher        *watcher.ConfigWatcher
	metrics        *metrics.Collector
	usage          *usage.Tracker
	log            *logger.Logger
	startTime      time.Time
	activeRequests sync.WaitGroup // tracks in-flight chat streams
	shutdownCh     chan struct{}  // closed when shutdown begins
	shutdownOnce   sync.Once
}

// New wires the full pipeline from cfg: wallet store, guest limiter,
// authenticator, media signer, upstream failover chain and relay.
func New(cfg *config.Config) (*Gateway, error) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.SetPlans(allowances(cfg.Plans))

	// Guest limits are clamped to [1,100]
	guestLimit := ratelimit.ClampLimit(cfg.Guest.DailyLimit)
	log.Printf("⏱️  Guest limit: %d requests/day per IP", guestLimit)

	var validator auth.Validator
	if cfg.Auth.JWTSecret != "" {
		validator = auth.NewJWTValidator(cfg.Auth.JWTSecret)
	} else {
		log.Printf("⚠️  No session secret configured, every credential will be rejected")
	}
	authenticator := auth.NewAuthenticator(validator, auth.Options{
		CookieName:      cfg.Auth.CookieName,
		GuestModeHeader: cfg.Guest.Header,
		GuestIDHeader:   cfg.Guest.IDHeader,
	})

	var resolver payload.MediaResolver
	if cfg.Media.BaseURL != "" {
		resolver = media.NewSigner(cfg.Media.BaseURL, cfg.Media.SigningKey, time.Duration(cfg.Media.TTLSeconds)*time.Second)
	}

	var openers []agent.Opener
	for _, u := range cfg.Upstreams() {
		openers = append(openers, agent.NewOpenAIClient(u.Name, u.BaseURL, u.APIKey, time.Duration(u.TimeoutSeconds)*time.Second))
	}
	chain := agent.NewChain(openers...)
	log.Printf("🤖 Upstreams: %s", chain.Name())

	limiter := ratelimit.New(guestLimit)
	m := metrics.NewCollector()
	tracker := usage.NewTracker()
	rl := relay.New(relay.Deps{
		Auth:      authenticator,
		Gate:      quota.NewGatekeeper(db, limiter),
		Assembler: payload.NewAssembler(resolver),
		Upstream:  chain,
		ExpertLog: db,
		Metrics:   m,
		Usage:     tracker,
	}, RelayOptions(cfg))

	gw := newGateway(cfg, rl, db, m, tracker)
	gw.limiter = limiter
	return gw, nil
}

// RelayOptions derives the relay's routing settings from cfg
func RelayOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		GeneralModel:      cfg.Models.General,
		FallbackModel:     cfg.Models.Fallback,
		AvailableModels:   cfg.Models.Available,
		ExpertCategories:  cfg.Models.Expert,
		SystemPrompt:      cfg.SystemPrompt,
		Temperature:       cfg.Upstream.Temperature,
		GuestContextTurns: cfg.Guest.ContextTurns,
		ContextTurns:      cfg.ContextTurns,
	}
}

func newGateway(cfg *config.Config, rl *relay.Relay, db *store.SQLiteStore, m *metrics.Collector, tracker *usage.Tracker) *Gateway {
	gw := &Gateway{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		relay:      rl,
		db:         db,
		metrics:    m,
		usage:      tracker,
		log:        logger.GetDefaultLogger().WithComponent("gateway"),
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
	}
	gw.setupRoutes()
	return gw
}

func allowances(plans map[string]config.PlanConfig) map[string]quota.Allowance {
	out := make(map[string]quota.Allowance, len(plans))
	for tier, p := range plans {
		out[tier] = quota.Allowance{
			MonthlyImages: p.MonthlyImages,
			MonthlyVideos: p.MonthlyVideos,
			MonthlyAudios: p.MonthlyAudios,
			DailyExternal: p.DailyExternal,
		}
	}
	return out
}

func (gw *Gateway) setupRoutes() {
	gw.mux.HandleFunc("/api/chat", gw.handleChat)
	gw.mux.HandleFunc("/health", gw.handleHealth)
	gw.mux.HandleFunc("/stats", gw.handleStats)
	if gw.cfg.Metrics.Enabled {
		path := gw.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		gw.mux.HandleFunc(path, gw.metrics.Handler())
	}
}

// WatchConfig reloads plan allowances, the guest limit and the log level
// whenever the file at path changes. Upstreams and models need a restart.
func (gw *Gateway) WatchConfig(path string, interval time.Duration) {
	gw.watcher = watcher.NewConfigWatcher(path, interval, func() error {
		return gw.reloadConfig(path)
	})
	gw.watcher.Start()
	log.Printf("👀 Watching %s for changes", path)
}

func (gw *Gateway) reloadConfig(path string) error {
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return err
	}
	if result := cfg.Validate(); !result.IsValid() {
		return fmt.Errorf("invalid config: %s", strings.Join(result.Errors, "; "))
	}

	if gw.db != nil {
		gw.db.SetPlans(allowances(cfg.Plans))
	}
	if gw.limiter != nil {
		gw.limiter.SetLimit(cfg.Guest.DailyLimit)
	}
	logger.GetDefaultLogger().SetLevel(logger.ParseLevel(cfg.Log.Level))

	log.Printf("✅ Config reloaded: %d plans, log level %s", len(cfg.Plans), cfg.Log.Level)
	return nil
}

// Handler returns the gateway's routes
func (gw *Gateway) Handler() http.Handler {
	return gw.mux
}

func (gw *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", gw.cfg.Gateway.Bind, gw.cfg.Gateway.Port)
	gw.server = &http.Server{
		Addr:              addr,
		Handler:           gw.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		gw.Shutdown()
	}()

	log.Printf("🫀 Gateway listening on %s", addr)
	if err := gw.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting chats, lets in-flight streams finish and closes
// the store. Repeated calls are no-ops.
func (gw *Gateway) Shutdown() {
	gw.shutdownOnce.Do(gw.gracefulShutdown)
}

// gracefulShutdown performs orderly shutdown of all components
func (gw *Gateway) gracefulShutdown() {
	fmt.Println("\n👋 Shutting down...")

	// Signal shutdown in progress
	close(gw.shutdownCh)

	if gw.watcher != nil {
		gw.watcher.Stop()
	}

	// Wait for active streams to complete (with timeout)
	log.Printf("⏳ Waiting for active streams to complete...")
	done := make(chan struct{})
	go func() {
		gw.activeRequests.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("✅ All active streams completed")
	case <-time.After(shutdownTimeout):
		log.Printf("⚠️  Timeout waiting for streams, forcing shutdown")
	}

	if gw.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.server.Shutdown(ctx); err != nil {
			gw.server.Close()
		}
	}

	// Expert log writes run after the response, drain them before the store goes away
	gw.relay.Wait()

	if gw.db != nil {
		if err := gw.db.Close(); err != nil {
			log.Printf("⚠️  Error closing database: %v", err)
		} else {
			log.Printf("💾 Database connection closed")
		}
	}

	log.Printf("👋 Shutdown complete")
}

func (gw *Gateway) shuttingDown() bool {
	select {
	case <-gw.shutdownCh:
		return true
	default:
		return false
	}
}
