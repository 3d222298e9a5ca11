package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-approvals/internal/calendar"
	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/config"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	Long:  "Start the approval engine with its HTTP API and gRPC service. Configuration is read from the environment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

func runServer(parent context.Context, cfg *config.Config) error {
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store    repository.Store
		provider service.WorkflowDefinitionProvider
		db       *database.DB
	)
	if cfg.Database.InMemory {
		store = repository.NewMemoryStore()
		log.Warn().Msg("Using in-memory store; state is lost on restart")
	} else {
		var err error
		db, err = database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := repository.ApplySchema(ctx, db); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		store = repository.NewPostgresStore(db)
		log.Info().Msg("Database connection established")
	}

	switch {
	case cfg.WorkflowsFile != "":
		static, err := workflow.LoadFile(cfg.WorkflowsFile)
		if err != nil {
			return err
		}
		provider = static
		log.Info().Str("file", cfg.WorkflowsFile).Strs("workflows", static.IDs()).Msg("Workflow definitions loaded")
	case db != nil:
		provider = workflow.NewPostgresProvider(repository.NewWorkflowDefinitionRepository(db))
	default:
		return fmt.Errorf("WORKFLOWS_FILE is required when DB_IN_MEMORY is set")
	}

	opts := []service.Option{
		service.WithLogger(log.Component("engine")),
		service.WithConfig(service.EngineConfig{
			DefaultTimeoutMinutes: cfg.Engine.DefaultTimeoutMinutes,
			DefaultMaxEscalation:  cfg.Engine.DefaultMaxEscalation,
			RetryInterval:         cfg.Engine.RetryInterval,
		}),
	}

	if cfg.Calendar.Timezone != "" {
		cal, err := calendar.New(calendar.Config{
			Timezone:     cfg.Calendar.Timezone,
			WorkdayStart: cfg.Calendar.WorkdayStart,
			WorkdayEnd:   cfg.Calendar.WorkdayEnd,
			Workdays:     cfg.Calendar.Workdays,
			Holidays:     cfg.Calendar.Holidays,
		})
		if err != nil {
			return err
		}
		opts = append(opts, service.WithCalendar(cal))
	}

	trigger := service.TriggerConfig{DedupWindow: cfg.Engine.NotifyDedupWindow}
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Drain()
		pub := client.NewNotificationPublisher(nc, cfg.NATS.SubjectPrefix, log.Component("nats"))
		opts = append(opts, service.WithSink("nats", pub, trigger))
		log.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("Notification publisher connected")
	} else {
		opts = append(opts, service.WithSink("log", client.NewLogSink(log.Component("notify")), trigger))
	}

	engine := service.NewEngine(store, provider, opts...)
	defer engine.Close()

	recovered, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover timers: %w", err)
	}
	log.Info().Int("stages", recovered).Msg("Escalation timers re-armed")

	// HTTP
	mux := http.NewServeMux()
	handler.NewHTTPHandler(engine, log.Component("http")).RegisterRoutes(mux)

	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRecovery(&log.Logger),
		middleware.UnaryLogger(&log.Logger),
	))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(engine, log.Component("grpc")))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
