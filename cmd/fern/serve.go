package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	checkpointroute "github.com/Ramsey-B/fern/pkg/routes/checkpoint"
	"github.com/Ramsey-B/fern/pkg/routes/entity"
	"github.com/Ramsey-B/fern/pkg/routes/report"
	"github.com/Ramsey-B/fern/pkg/routes/run"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume the CDC feed, run the pipeline on a schedule and serve the API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	log := a.logger.WithContext(ctx)
	checker := health.NewChecker(version)

	var (
		runner   *pipeline.Runner
		producer *kafka.Producer
		consumer *kafka.Consumer
		sched    *scheduler.Scheduler
		server   *echo.Echo
	)

	s := startup.NewStartup(a.logger, a.cfg.StartupMaxAttempts)

	s.AddDependency(startup.Func{
		Name: "database",
		StartFunc: func(ctx context.Context) error {
			if err := a.connectDatabase(ctx, a.cfg.DatabaseMigrateOnStart); err != nil {
				return err
			}
			checker.AddCheck("database", health.PingFunc(func(ctx context.Context) error {
				return a.db.SQL().PingContext(ctx)
			}))
			return nil
		},
		StopFunc: func(context.Context) error { return a.db.Close() },
	})

	s.AddDependency(startup.Func{
		Name: "locker",
		StartFunc: func(ctx context.Context) error {
			if err := a.connectLocker(ctx); err != nil {
				return err
			}
			if a.redis != nil {
				checker.AddCheck("redis", a.redis)
			}
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.redis == nil {
				return nil
			}
			return a.redis.Close()
		},
	})

	s.AddDependency(startup.Func{
		Name:     "pipeline",
		Requires: []string{"database", "locker"},
		StartFunc: func(context.Context) error {
			if a.cfg.KafkaFindingsTopic != "" {
				producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      a.cfg.KafkaBrokers,
					Topic:        a.cfg.KafkaFindingsTopic,
					BatchSize:    a.cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeoutMs) * time.Millisecond,
					RequiredAcks: a.cfg.KafkaRequiredAcks,
					Compression:  a.cfg.KafkaCompression,
				}, a.logger)
				runner = a.newRunner(producer)
				return nil
			}
			runner = a.newRunner(nil)
			return nil
		},
		StopFunc: func(context.Context) error {
			if producer == nil {
				return nil
			}
			return producer.Close()
		},
	})

	if a.cfg.KafkaConsumerEnabled {
		s.AddDependency(startup.Func{
			Name:     "kafka-consumer",
			Requires: []string{"database"},
			StartFunc: func(ctx context.Context) error {
				ingestor, err := a.newIngestor()
				if err != nil {
					return err
				}
				consumer = kafka.NewConsumer(kafka.ConsumerConfig{
					Brokers:       a.cfg.KafkaBrokers,
					Topics:        a.consumerTopics(),
					ConsumerGroup: a.cfg.KafkaConsumerGroup,
				}, a.logger, kafka.NewIngestHandler(ingestor, a.cfg.KafkaDebeziumTopics, a.logger))
				return consumer.Start(ctx)
			},
			StopFunc: func(context.Context) error { return consumer.Stop() },
		})
	}

	if a.cfg.SchedulerEnabled {
		s.AddDependency(startup.Func{
			Name:     "scheduler",
			Requires: []string{"pipeline"},
			StartFunc: func(ctx context.Context) error {
				sched = scheduler.NewScheduler(runner, scheduler.Config{
					PollInterval: a.cfg.SchedulerPollInterval,
					RunTimeout:   a.cfg.SchedulerRunTimeout,
					EntityTypes:  a.rules.EntityTypeNames(),
				}, a.logger)
				return sched.Start(ctx)
			},
			StopFunc: func(ctx context.Context) error { return sched.Stop(ctx) },
		})
	}

	s.AddDependency(startup.Func{
		Name:     "http",
		Requires: []string{"pipeline"},
		StartFunc: func(context.Context) error {
			server = a.newServer(checker, runner)
			go func() {
				if err := server.Start(fmt.Sprintf(":%d", a.cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("HTTP server stopped")
				}
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error { return server.Shutdown(ctx) },
	})

	if err := s.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.Stop(stopCtx)
		return err
	}
	checker.SetReady(true)
	log.WithFields(map[string]any{
		"port":         a.cfg.Port,
		"entity_types": a.rules.EntityTypeNames(),
	}).Info("fern started")

	<-ctx.Done()
	checker.SetReady(false)
	log.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

func (a *app) consumerTopics() []string {
	topics := []string{}
	seen := map[string]bool{}
	for _, topic := range append([]string{a.cfg.KafkaInputTopic}, a.cfg.KafkaDebeziumTopics...) {
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}
	return topics
}

func (a *app) newServer(checker *health.Checker, runner *pipeline.Runner) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	checker.Register(api.Group("/health"))
	entity.NewHandler(a.repos.versions, a.repos.fieldUpdates).Register(api.Group("/entities"))
	report.NewHandler(a.repos.reconciliations, a.repos.findings).Register(api)
	run.NewHandler(runner, a.rules.EntityTypeNames()).Register(api.Group("/runs"))
	checkpointroute.NewHandler(a.repos.checkpoints).Register(api.Group("/checkpoints"))

	return e
}
