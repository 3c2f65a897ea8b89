// Command gpubuild-controller runs the CI/CD GPU-build control plane: the
// admission queue, priority scheduler, resource allocator, load balancer,
// state manager, dispatch client, and the HTTP façade in front of them.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/gpubuild/internal/config"
	"github.com/khryptorgraphics/gpubuild/pkg/allocator"
	"github.com/khryptorgraphics/gpubuild/pkg/api"
	"github.com/khryptorgraphics/gpubuild/pkg/auth"
	"github.com/khryptorgraphics/gpubuild/pkg/coordinator"
	"github.com/khryptorgraphics/gpubuild/pkg/dispatch"
	"github.com/khryptorgraphics/gpubuild/pkg/history"
	"github.com/khryptorgraphics/gpubuild/pkg/loadbalancer"
	"github.com/khryptorgraphics/gpubuild/pkg/queue"
	"github.com/khryptorgraphics/gpubuild/pkg/scheduler"
	"github.com/khryptorgraphics/gpubuild/pkg/state"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "gpubuild-controller",
		Short:   "CI/CD control plane for GPU builds across ROCm/GPU worker nodes",
		Version: version,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator event loop and HTTP façade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	var token string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running controller's /api/v1/queue endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(addr, token)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "controller base address")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the request")
	return cmd
}

func migrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the build_history schema against history.dsn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func runMigrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.History.DSN == "" {
		return fmt.Errorf("history.dsn must be set to run migrations")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sqlDB, err := sql.Open("postgres", cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer sqlDB.Close()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if err := history.Migrate(ctx, sqlx.NewDb(sqlDB, "postgres")); err != nil {
		return fmt.Errorf("migrate build_history schema: %w", err)
	}
	fmt.Println("build_history schema is up to date")
	return nil
}

func runServe(configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.HTTP.JWTSecret == "" {
		return fmt.Errorf("http.jwt_secret must be set")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	source, err := buildClusterSource(ctx, cfg.Allocator)
	if err != nil {
		return fmt.Errorf("build cluster source: %w", err)
	}
	alloc := allocator.New(source, logger)
	if err := alloc.Refresh(ctx); err != nil {
		logger.Warn("initial allocator refresh failed, continuing with empty inventory", "error", err)
	}

	strategy := loadbalancer.Strategy(cfg.LoadBalancer.Strategy)
	if strategy == "" {
		strategy = loadbalancer.ResourceAware
	}
	lb := loadbalancer.New(strategy, cfg.LoadBalancer.HealthInterval, logger)
	for _, w := range cfg.LoadBalancer.Workers {
		weight, maxLoad := w.Weight, w.MaxLoad
		if weight <= 0 {
			weight = 1
		}
		if maxLoad <= 0 {
			maxLoad = 4
		}
		lb.RegisterWorker(w.ID, w.Address, w.Port, weight, maxLoad)
	}
	lb.Start(ctx)

	stateMgr, err := buildStateManager(cfg.State, logger)
	if err != nil {
		return fmt.Errorf("build state manager: %w", err)
	}

	historySink, err := buildHistorySink(ctx, cfg.History, logger)
	if err != nil {
		return fmt.Errorf("build history sink: %w", err)
	}

	coor := coordinator.New(coordinator.Config{
		Queue:               queue.NewManager(cfg.Queue.Capacity),
		Scheduler:           scheduler.NewPriorityScheduler(logger),
		Allocator:           alloc,
		LoadBalancer:        lb,
		State:               stateMgr,
		Dispatcher:          dispatch.New(30 * time.Second),
		History:             historySink,
		Logger:              logger,
		MaxDispatchAttempts: cfg.Coordinator.MaxDispatchAttempts,
	})

	if err := coor.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	jwtSvc, err := auth.NewJWTService(cfg.HTTP.JWTSecret, cfg.HTTP.JWTExpiry)
	if err != nil {
		return fmt.Errorf("build jwt service: %w", err)
	}
	server := api.NewServer(cfg.HTTP, coor, jwtSvc, logger)

	if err := config.Watch(configPath, func(next *config.Config) {
		if next.LoadBalancer.Strategy != "" {
			lb.SetStrategy(loadbalancer.Strategy(next.LoadBalancer.Strategy))
		}
		logger.Info("config file changed, applied load balancer strategy", "strategy", next.LoadBalancer.Strategy)
	}); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("façade exited", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Stop(shutdownCtx)
	coor.Stop(shutdownCtx)

	return nil
}

func runStatus(addr, token string) error {
	req, err := http.NewRequest(http.MethodGet, addr+"/api/v1/queue", nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request queue status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %s", resp.Status)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return err
	}
	fmt.Println(body.String())
	return nil
}

func buildClusterSource(ctx context.Context, cfg config.AllocatorConfig) (allocator.ClusterSource, error) {
	switch cfg.ClusterSource {
	case "", "local":
		return allocator.NewLocalClusterSource("local", "", 0, 0), nil
	case "aws-ec2":
		return allocator.NewEC2ClusterSource(ctx, cfg.AWSRegion, cfg.AWSRoleTag)
	default:
		return nil, fmt.Errorf("unknown allocator.cluster_source %q", cfg.ClusterSource)
	}
}

func buildStateManager(cfg config.StateConfig, logger *slog.Logger) (*state.Manager, error) {
	if cfg.RedisAddr == "" {
		return state.NewManager(logger), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return state.NewManagerWithRedis(client, logger), nil
}

func buildHistorySink(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) (history.Sink, error) {
	if cfg.DSN == "" {
		return history.NoopSink{}, nil
	}
	sqlDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return history.NewPostgresSink(sqlx.NewDb(sqlDB, "postgres"), logger), nil
}
