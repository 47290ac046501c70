package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	checkpointrepo "github.com/Ramsey-B/fern/internal/repositories/checkpoint"
	"github.com/Ramsey-B/fern/internal/repositories/checksumcheck"
	"github.com/Ramsey-B/fern/internal/repositories/entityversion"
	"github.com/Ramsey-B/fern/internal/repositories/event"
	"github.com/Ramsey-B/fern/internal/repositories/fieldupdate"
	"github.com/Ramsey-B/fern/internal/repositories/finding"
	"github.com/Ramsey-B/fern/internal/repositories/reconciliation"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/differ"
	"github.com/Ramsey-B/fern/pkg/normalizer"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	reporter "github.com/Ramsey-B/fern/pkg/reconciliation"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/verifier"
	"github.com/Ramsey-B/fern/pkg/versioning"
)

// app holds the process-wide configuration and the connections built from it
type app struct {
	cfg    *config.Config
	rules  *config.Rules
	logger ectologger.Logger
	zap    *zap.Logger

	shutdownTracing func(context.Context) error

	db     database.DB
	redis  *redis.Client
	locker redis.PartitionLocker
	repos  repositories
}

type repositories struct {
	events          *event.Repository
	versions        *entityversion.Repository
	fieldUpdates    *fieldupdate.Repository
	checks          *checksumcheck.Repository
	reconciliations *reconciliation.Repository
	findings        *finding.Repository
	checkpoints     *checkpointrepo.Repository
}

// loadApp reads configuration and the rules file, then builds the logger and tracer.
// It fails before anything connects when either is invalid.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", cfg.RulesFile, err)
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		return nil, err
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.AppName,
		Endpoint:    cfg.OTLPEndpoint,
		Protocol:    cfg.OTLPProtocol,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	return &app{
		cfg:             cfg,
		rules:           rules,
		logger:          zapadapter.NewZapEctoLogger(zapLogger, nil),
		zap:             zapLogger,
		shutdownTracing: shutdownTracing,
	}, nil
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zapCfg.Level = level

	return zapCfg.Build()
}

// close flushes tracing and logs
func (a *app) close(ctx context.Context) {
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to flush traces")
	}
	_ = a.zap.Sync()
}

// connectDatabase opens the pool, runs migrations when asked, and builds the repositories
func (a *app) connectDatabase(ctx context.Context, migrate bool) error {
	db, err := database.Connect(ctx, database.Config{
		Driver:          a.cfg.DatabaseDriver,
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}

	if migrate {
		if err := a.migrationService().Migrate(db.SQL()); err != nil {
			_ = db.Close()
			return err
		}
	}

	a.db = db
	a.repos = repositories{
		events:          event.NewRepository(db, a.logger),
		versions:        entityversion.NewRepository(db, a.logger),
		fieldUpdates:    fieldupdate.NewRepository(db, a.logger),
		checks:          checksumcheck.NewRepository(db, a.logger),
		reconciliations: reconciliation.NewRepository(db, a.logger),
		findings:        finding.NewRepository(db, a.logger),
		checkpoints:     checkpointrepo.NewRepository(db, a.logger),
	}
	return nil
}

func (a *app) migrationService() *database.MigrationService {
	return database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		DatabaseName:        a.cfg.DatabaseName,
		Version:             a.cfg.DatabaseMigrationVersion,
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
}

// connectLocker uses Redis for partition locks when enabled, otherwise an in-process locker
func (a *app) connectLocker(ctx context.Context) error {
	if !a.cfg.RedisEnabled {
		a.logger.WithContext(ctx).Info("Redis disabled, using in-process partition locks")
		a.locker = redis.NewLocalLocker()
		return nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}

	a.redis = client
	a.locker = redis.NewLocker(client, "fern:lock:", a.cfg.LockTTL)
	return nil
}

func (a *app) newNormalizer() (*normalizer.Normalizer, error) {
	return normalizer.New(normalizer.Options{
		EntityIDField:      a.cfg.EntityIDField,
		EntityIDExpression: a.cfg.EntityIDExpression,
		DefaultOrderColumn: a.rules.DefaultOrder(),
		OrderColumnsByType: a.rules.OrderColumnsByType(),
	}, a.logger)
}

func (a *app) newIngestor() (*pipeline.Ingestor, error) {
	n, err := a.newNormalizer()
	if err != nil {
		return nil, err
	}
	return pipeline.NewIngestor(n, a.repos.events, a.repos.checks, a.logger), nil
}

// newRunner wires the repositories and the processing components into a runner.
// publisher may be nil.
func (a *app) newRunner(publisher pipeline.FindingPublisher) *pipeline.Runner {
	deps := pipeline.Dependencies{
		Events:          a.repos.events,
		Versions:        a.repos.versions,
		FieldUpdates:    a.repos.fieldUpdates,
		Checks:          a.repos.checks,
		Reconciliations: a.repos.reconciliations,
		Findings:        a.repos.findings,
		Checkpoints:     a.repos.checkpoints,
		Tx:              database.NewTxRunner(a.db),
		Locker:          a.locker,

		Builder: versioning.NewBuilder(a.logger),
		Differ:  differ.NewDiffer(a.rules.BookkeepingFields, a.rules.BookkeepingByType(), a.logger),
		Verifier: verifier.NewVerifier(verifier.Options{
			CreatedAtField: a.cfg.CreatedAtField,
			UpdatedAtField: a.cfg.UpdatedAtField,
		}, a.logger),
		Reporter: reporter.NewReporter(a.rules.FreshnessRules(), a.rules.Suppression(), a.logger),
	}
	if publisher != nil {
		deps.Publisher = publisher
	}

	return pipeline.NewRunner(deps, pipeline.Options{SettleDelay: a.cfg.SettleDelay}, a.logger)
}

// entityTypes returns args when given, otherwise every configured entity type
func (a *app) entityTypes(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return a.rules.EntityTypeNames()
}

func now() time.Time {
	return time.Now().UTC()
}
