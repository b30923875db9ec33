package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opensandbox/boltshell/internal/aistream"
	"github.com/opensandbox/boltshell/internal/api"
	"github.com/opensandbox/boltshell/internal/auth"
	"github.com/opensandbox/boltshell/internal/chat"
	"github.com/opensandbox/boltshell/internal/config"
	"github.com/opensandbox/boltshell/internal/db"
	"github.com/opensandbox/boltshell/internal/events"
	"github.com/opensandbox/boltshell/internal/sandbox"
	"github.com/opensandbox/boltshell/internal/session"
	"github.com/opensandbox/boltshell/internal/shell"
	"github.com/opensandbox/boltshell/internal/storage"
	"github.com/opensandbox/boltshell/internal/workspace"
)

const staleNodeAge = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("boltd exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workspace files
	if err := os.MkdirAll(cfg.WorkspaceDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}
	fs, err := sandbox.NewLocalFS(cfg.WorkspaceDir)
	if err != nil {
		return err
	}
	files := workspace.NewStore(fs, workspace.Options{Logger: logger.Named("workspace")})
	if err := files.Load(ctx); err != nil {
		return fmt.Errorf("failed to load workspace: %w", err)
	}

	journal, err := sandbox.OpenJournal(cfg.DataDir, cfg.WorkspaceID)
	if err != nil {
		return err
	}
	defer journal.Close()
	logger.Info("journal opened", zap.String("data_dir", cfg.DataDir))

	// Attach tokens, with optional Redis-backed revocation
	var revocations auth.Revocations
	if cfg.RedisURL != "" {
		tokens, err := auth.NewTokenStore(cfg.RedisURL, "boltshell:"+cfg.WorkspaceID)
		if err != nil {
			logger.Warn("token store unavailable, revocation disabled", zap.Error(err))
		} else {
			defer tokens.Close()
			revocations = tokens
		}
	}
	var issuer *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		issuer = auth.NewTokenIssuer(cfg.JWTSecret, cfg.WorkspaceID, cfg.TokenTTL, revocations)
	} else {
		logger.Info("no JWT secret configured, terminals attach with the API key")
	}

	// Shell sessions
	rt := sandbox.NewPTYRuntime(sandbox.PTYOptions{
		ShellPath: cfg.ShellPath,
		Dir:       fs.Root(),
		Logger:    logger.Named("pty"),
	})
	registry := session.New(rt, session.Options{
		MaxSessions: cfg.MaxSessions,
		Shell: shell.Options{
			Dir:    fs.Root(),
			Logger: logger.Named("shell"),
		},
		Journal: journal,
		OnClose: func(id string) {
			if issuer == nil {
				return
			}
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := issuer.RevokeSession(rctx, id); err != nil {
				logger.Warn("failed to revoke attach tokens", zap.String("session", id), zap.Error(err))
			}
		},
		Logger: logger.Named("session"),
	})
	defer registry.Teardown()
	if err := registry.Start(ctx, session.PrimaryID); err != nil {
		logger.Warn("primary shell failed to start", zap.Error(err))
	}
	registry.StartSweeper(ctx, cfg.SweepInterval, cfg.IdleTimeout)

	// Chat
	var chatSvc *chat.Service
	if cfg.AIAPIKey != "" {
		ai := aistream.NewClient(aistream.Config{
			BaseURL:    cfg.AIBaseURL,
			APIKey:     cfg.AIAPIKey,
			Model:      cfg.AIModel,
			MaxRetries: cfg.AIMaxRetries,
			Logger:     logger.Named("aistream"),
		})
		chatSvc = chat.New(ai, files, registry, chat.Options{
			CommandTimeout: cfg.CommandTimeout,
			Journal:        journal,
			Logger:         logger.Named("chat"),
		})
	} else {
		logger.Info("no AI API key configured, chat disabled")
	}

	deps := api.Deps{
		Registry:    registry,
		Files:       files,
		Chat:        chatSvc,
		Tokens:      issuer,
		History:     journal,
		Journal:     journal,
		WorkspaceID: cfg.WorkspaceID,
		APIKey:      cfg.APIKey,
		Logger:      logger.Named("api"),
	}
	if cfg.SnapshotsEnabled() {
		snaps, err := storage.NewSnapshotStore(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			logger.Warn("snapshot store unavailable", zap.Error(err))
		} else {
			deps.Snapshots = snaps
			logger.Info("snapshot store configured",
				zap.String("bucket", cfg.S3Bucket), zap.String("region", cfg.S3Region))
			if cfg.AutosaveInterval > 0 {
				autosaver := workspace.NewAutosaver(files, snaps, func() string {
					return storage.SnapshotKey(cfg.WorkspaceID)
				}, cfg.AutosaveInterval, logger.Named("autosave"))
				autosaver.Start()
				defer autosaver.Stop()
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WatchFiles {
		watcher := workspace.NewWatcher(files, fs.Root(), 0, logger.Named("watcher"))
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("file watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	// Event sync: journal -> NATS, and optionally NATS -> PostgreSQL
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NodeID, journal, logger.Named("events"))
		if err != nil {
			logger.Warn("event publisher unavailable", zap.Error(err))
		} else {
			pub.Start()
			pub.StartHeartbeat(func() (int, int) {
				infos := registry.List()
				attached := 0
				for _, info := range infos {
					if info.Attached {
						attached++
					}
				}
				return len(infos), attached
			})
			defer pub.Stop()
		}

		if cfg.DatabaseURL != "" {
			store, err := db.NewStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			logger.Info("database migrations complete")
			deps.Shared = store

			consumer, err := db.NewSyncConsumer(store, cfg.NATSURL, logger.Named("sync"))
			if err != nil {
				return err
			}
			if err := consumer.Start(); err != nil {
				return fmt.Errorf("failed to start sync consumer: %w", err)
			}
			defer consumer.Stop()

			g.Go(func() error {
				ticker := time.NewTicker(staleNodeAge)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						n, err := store.MarkStaleNodes(gctx, staleNodeAge)
						if err != nil {
							logger.Warn("failed to mark stale nodes", zap.Error(err))
						} else if n > 0 {
							logger.Info("nodes marked stale", zap.Int64("count", n))
						}
					}
				}
			})
		}
	} else if cfg.DatabaseURL != "" {
		logger.Warn("database_url is set without nats_url, history sync disabled")
	}

	// gRPC health for orchestrators
	if cfg.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		grpcServer := grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			logger.Info("gRPC health listening", zap.Int("port", cfg.GRPCPort))
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.Shutdown()
			grpcServer.GracefulStop()
			return nil
		})
	}

	server := api.NewServer(deps)
	addr := fmt.Sprintf(":%d", cfg.Port)
	g.Go(func() error {
		logger.Info("boltd listening", zap.String("addr", addr), zap.String("workspace", cfg.WorkspaceID))
		return server.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	return g.Wait()
}
