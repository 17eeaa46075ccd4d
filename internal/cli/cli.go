// Package cli wires the dpp binary: configuration, logging, client
// bootstrap, and one cobra subcommand per process or operation.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/packforge/dpp/internal/config"
)

// Execute runs the root command. Process exit codes: 0 success, 1
// command failure (the audit command additionally uses 1 for drift and
// 2 for infrastructure errors).
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dpp",
		Short:         "Decision Pack Platform",
		Long:          "Metered asynchronous decision-pack compute: API, worker, supervisors and ops tooling in one binary.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newAPICmd(),
		newWorkerCmd(),
		newReaperCmd(),
		newReconcilerCmd(),
		newAuditCmd(),
		newSeedCmd(),
		newAdminCmd(),
	)
	return root
}

// app is the shared bootstrap every subcommand starts from.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	redis *redis.Client
	db    *sql.DB
}

// newApp loads configuration, builds the logger, and connects the two
// stores every process needs. Connection failures are fatal here; a
// process that cannot reach its stores has nothing useful to do.
func newApp(service string) (*app, error) {
	cfg := config.Load()
	log := setupLogger(cfg, service)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: 100,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log.Info().Msg("connected to postgres")

	return &app{cfg: cfg, log: log, redis: rdb, db: db}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("postgres close failed")
	}
	if err := a.redis.Close(); err != nil {
		a.log.Warn().Err(err).Msg("redis close failed")
	}
}

// setupLogger builds the process logger: pretty console output in
// development, JSON elsewhere.
func setupLogger(cfg *config.Config, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.Environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().Timestamp().Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().Timestamp().
		Str("service", "dpp-"+service).
		Str("environment", cfg.Environment).
		Logger()
}

// loadAWSConfig resolves the SDK config. Against a local-stack endpoint
// the default credential chain would fail, so static throwaway
// credentials are injected there.
func (a *app) loadAWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(a.cfg.AWSRegion),
	}
	if a.cfg.AWSEndpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// newSQSClient builds the SQS client, honoring a local-stack endpoint.
func (a *app) newSQSClient(ctx context.Context) (*sqs.Client, error) {
	awsCfg, err := a.loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if a.cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(a.cfg.AWSEndpoint)
		}
	}), nil
}

// newS3Client builds the S3 client. Path style is forced against a
// local-stack endpoint, where bucket subdomains do not resolve.
func (a *app) newS3Client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := a.loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if a.cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(a.cfg.AWSEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// printJSON renders ops command output for humans and scripts alike.
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
