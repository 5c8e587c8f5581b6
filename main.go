// Command ideaflow-api serves collaborative board sessions.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewpaige1/ideaflow-api/client"
	"github.com/andrewpaige1/ideaflow-api/config"
	"github.com/andrewpaige1/ideaflow-api/handlers"
	"github.com/andrewpaige1/ideaflow-api/metrics"
	"github.com/andrewpaige1/ideaflow-api/middleware"
	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/andrewpaige1/ideaflow-api/protocol"
	"github.com/andrewpaige1/ideaflow-api/registry"
	"github.com/andrewpaige1/ideaflow-api/store"
	"github.com/andrewpaige1/ideaflow-api/transport"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rootCmd = &cobra.Command{
		Use:           "ideaflow-api",
		Short:         "Collaborative board session server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP and websocket server.",
		RunE:  runServe,
	}

	watchCmd = &cobra.Command{
		Use:   "watch <sessionID>",
		Short: "Follows a session and logs every board change.",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}

	serverURL string
	immediate bool
)

func init() {
	// Load .env file if not in production environment
	if os.Getenv("APP_ENV") != string(config.Production) {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: .env file not loaded: %v", err)
		}
	}

	watchCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "server base URL")
	watchCmd.Flags().BoolVar(&immediate, "immediate", false, "send discrete events instead of debounced board updates")
	rootCmd.AddCommand(serveCmd, watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Printf("ideaflow-api: %v", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "load config failed")
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build logger failed")
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	m := metrics.NewCollector("ideaflow")
	sessions := openStore(cfg, logger, m)
	reg, err := registry.New(
		registry.WithStore(sessions),
		registry.WithPolicy(registry.Policy(cfg.SessionPolicy)),
		registry.WithIDLength(cfg.SessionIDLength),
		registry.WithLogger(logger.Named("registry")),
	)
	if err != nil {
		return errors.Wrap(err, "new registry failed")
	}

	hub := transport.NewHub(logger.Named("hub"))
	proto := protocol.NewHandler(reg, hub,
		protocol.WithLogger(logger.Named("protocol")),
		protocol.WithMetrics(m),
	)
	ws := transport.NewServer(proto,
		transport.WithLogger(logger.Named("ws")),
		transport.WithMetrics(m),
		transport.WithCheckOrigin(originChecker(cfg.AllowedOrigins)),
	)
	mux := handlers.Routes(handlers.NewSessionHandler(reg, proto, logger.Named("http")), ws, m)

	// Configure CORS with specific options
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With", "Accept", "Origin"},
		AllowCredentials: true,
		MaxAge:           86400,
	}).Handler(mux)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           middleware.RequestLogger(logger.Named("http"), m)(corsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("storage", string(reg.Mode())),
			zap.String("policy", string(reg.Policy())),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen failed")
	case <-cmd.Context().Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ws.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown failed")
	}
	return nil
}

// openStore returns the durable store wrapped with its in-memory fallback, or a
// plain memory store when no database is configured or it cannot be reached.
func openStore(cfg *config.Config, logger *zap.Logger, m *metrics.Collector) store.Store {
	if cfg.DatabaseURL == "" {
		logger.Info("no database configured, sessions are kept in memory")
		return store.NewMemoryStore()
	}
	db, err := config.Connect(cfg)
	if err != nil {
		logger.Warn("database unavailable, sessions are kept in memory", zap.Error(err))
		return store.NewMemoryStore()
	}
	return store.NewFallbackStore(store.NewGormStore(db),
		store.WithTimeout(cfg.StoreTimeout),
		store.WithLogger(logger.Named("store")),
		store.WithFallbackHook(m.StorageFallback),
	)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	mode := client.ModeDebounced
	if immediate {
		mode = client.ModeImmediate
	}
	session, err := client.NewSession(serverURL, args[0],
		client.WithSessionLogger(logger),
		client.WithAdapter(
			client.WithMode(mode),
			client.WithDebounceWindow(cfg.DebounceWindow),
			client.WithOnChange(func(board models.Board, version uint64) {
				logger.Info("board changed",
					zap.String("sessionId", args[0]),
					zap.Uint64("version", version),
					zap.Int("nodes", len(board.Nodes)),
					zap.Int("connections", len(board.Connections)),
				)
			}),
		),
	)
	if err != nil {
		return errors.Wrap(err, "new session failed")
	}

	err = session.Run(cmd.Context())
	if errors.Is(err, client.ErrReconnectExhausted) {
		return errors.Wrap(err, "lost connection to server, restart to rejoin")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
