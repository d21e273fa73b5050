package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weftlabs/weft/core/pkg/api"
	"github.com/weftlabs/weft/core/pkg/artifacts"
	"github.com/weftlabs/weft/core/pkg/boundary"
	"github.com/weftlabs/weft/core/pkg/capability"
	"github.com/weftlabs/weft/core/pkg/config"
	"github.com/weftlabs/weft/core/pkg/contracts"
	"github.com/weftlabs/weft/core/pkg/identity"
	"github.com/weftlabs/weft/core/pkg/intake"
	"github.com/weftlabs/weft/core/pkg/observability"
	"github.com/weftlabs/weft/core/pkg/saga"
	"github.com/weftlabs/weft/core/pkg/session"
	"github.com/weftlabs/weft/core/pkg/state"
	"github.com/weftlabs/weft/core/pkg/tenants"
	"github.com/weftlabs/weft/core/pkg/wal"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// core bundles the wired components shared by server and subcommands.
type core struct {
	surface     state.Surface
	wal         wal.Log
	router      *capability.Router
	sessions    *session.Manager
	coordinator *saga.Coordinator
	intake      *intake.Intake
	contracts   *boundary.Store
	tokens      *identity.TokenManager
	logger      *slog.Logger
	db          *sql.DB
	redis       *redis.Client
}

func (c *core) close() {
	c.coordinator.Wait()
	if c.db != nil {
		_ = c.db.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openDB(url string) (*sql.DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(url, "postgres") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// buildCore wires storage, leases, the capability router, and the
// execution pipeline from configuration. telemetry may be nil for the
// offline subcommands.
func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger, telemetry *observability.Provider) (*core, error) {
	c := &core{logger: logger}

	var surface state.Surface
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		c.db = db
		sqlSurface, err := state.NewSQLSurface(db)
		if err != nil {
			return nil, fmt.Errorf("state surface: %w", err)
		}
		surface = sqlSurface
		c.wal, err = wal.NewSQLLog(db)
		if err != nil {
			return nil, fmt.Errorf("wal: %w", err)
		}
		logger.Info("durable storage online", "driver", "sql")
	} else {
		surface = state.NewMemorySurface()
		c.wal = wal.NewMemoryLog()
		logger.Info("running with in-memory storage; data is not durable")
	}

	var lease saga.Lease = saga.NewLeaseMap()
	if cfg.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		surface = state.NewTieredSurface(surface, state.NewRedisCache(c.redis), time.Minute)
		lease = saga.NewRedisLease(c.redis, 30*time.Second)
		logger.Info("redis tier online", "addr", cfg.RedisAddr)
	}
	c.surface = surface

	router, err := capability.NewRouter()
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	c.router = router

	manifests, err := config.LoadRealmManifests(cfg.RealmDir)
	if err != nil {
		return nil, fmt.Errorf("realm manifests: %w", err)
	}
	for _, m := range manifests {
		logger.Info("realm manifest found; bind handlers at embed time",
			"realm", m.Realm, "version", m.Version, "intents", len(m.Intents))
	}

	c.sessions = session.NewManager(surface, logger)
	c.coordinator = saga.NewCoordinator(c.wal, surface, router, lease, logger,
		saga.WithTelemetry(telemetry))
	c.intake = intake.New(surface, router, c.sessions, c.coordinator, logger)
	c.contracts = boundary.NewStore(surface, logger, boundary.WithContractTTL(cfg.ContractTTL))

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		return nil, fmt.Errorf("key set: %w", err)
	}
	c.tokens = identity.NewTokenManager(keySet)

	if err := registerBuiltinRealm(ctx, c, logger); err != nil {
		return nil, err
	}
	return c, nil
}

// registerBuiltinRealm wires the system realm: an echo intent for smoke
// tests and a materialization intent that runs the artifact path
// end to end.
func registerBuiltinRealm(ctx context.Context, c *core, logger *slog.Logger) error {
	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	materializer := boundary.NewMaterializer(c.contracts, blobs, c.surface, logger)

	err = c.router.Register(&capability.Registration{
		IntentType:   "system.echo",
		RealmName:    "system",
		RealmVersion: "1.0.0",
		Steps: []capability.StepSpec{{
			StepID:     "echo",
			Idempotent: true,
			Handler: func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
				return &capability.Result{Output: inv.Parameters}, nil
			},
		}},
	})
	if err != nil {
		return err
	}

	return c.router.Register(&capability.Registration{
		IntentType:   "artifact.materialize",
		RealmName:    "system",
		RealmVersion: "1.0.0",
		ParamsSchema: `{
			"type": "object",
			"required": ["contract_id", "representation_type", "payload"],
			"properties": {
				"contract_id": {"type": "string"},
				"representation_type": {"type": "string"},
				"payload": {"type": "string"}
			}
		}`,
		Steps: []capability.StepSpec{{
			StepID: "store",
			Handler: func(ctx context.Context, inv capability.Invocation) (*capability.Result, error) {
				contractID, _ := inv.Parameters["contract_id"].(string)
				repType, _ := inv.Parameters["representation_type"].(string)
				payload, _ := inv.Parameters["payload"].(string)
				rec, err := materializer.Materialize(ctx, inv.TenantID, contractID, repType, []byte(payload))
				if err != nil {
					return nil, err
				}
				return &capability.Result{Output: map[string]any{
					"record_id":   rec.RecordID,
					"blob_digest": rec.BlobDigest,
				}}, nil
			},
		}},
	})
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "weft-core",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     cfg.Environment == "development",
	})
	if err != nil {
		fmt.Fprintf(stderr, "telemetry init failed: %v\n", err)
		return 1
	}

	c, err := buildCore(ctx, cfg, logger, telemetry)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer c.close()

	registry := tenants.NewMemoryRegistry()
	if name := os.Getenv("WEFT_DEV_TENANT"); name != "" {
		tn, err := registry.Create(ctx, tenants.CreateRequest{Name: name})
		if err != nil {
			fmt.Fprintf(stderr, "dev tenant: %v\n", err)
			return 1
		}
		token, err := c.tokens.Issue(ctx, contracts.Identity{TenantID: tn.ID, UserID: "dev"}, 24*time.Hour)
		if err == nil {
			logger.Info("development token issued", "tenant_id", tn.ID, "token", token)
		}
	}

	go c.contracts.RunSweeper(ctx, time.Minute, func(ctx context.Context) []string {
		list, err := registry.List(ctx)
		if err != nil {
			return nil
		}
		ids := make([]string, len(list))
		for i, tn := range list {
			ids[i] = tn.ID
		}
		return ids
	})

	server := api.NewServer(c.intake, c.sessions, c.coordinator, c.contracts, c.wal, c.tokens, logger,
		api.WithRateLimiter(api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)),
		api.WithTelemetry(telemetry))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = telemetry.Shutdown(shutdownCtx)
	return 0
}
