package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/siphon/internal/assembler"
	"github.com/ligustah/siphon/internal/config"
	siphonhttp "github.com/ligustah/siphon/internal/http"
	"github.com/ligustah/siphon/internal/session"
	"github.com/ligustah/siphon/internal/source"
	"github.com/ligustah/siphon/pkg/artifact"
	"github.com/ligustah/siphon/pkg/stream"
)

// commonFlags are the flags shared by fetch and serve. Values set on the
// command line override the configuration file and the environment.
type commonFlags struct {
	configPath string
	envFile    string
	debug      bool
	override   config.Config

	fs *flag.FlagSet
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	f.fs = fs
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.envFile, "env-file", "", "Load environment variables from this file instead of .env")
	fs.BoolVar(&f.debug, "debug", false, "Development logging at debug level")

	fs.StringVar(&f.override.Bucket, "bucket", "", "Artifact bucket URL (mem://, file:///path, s3://, gs://)")
	fs.StringVar(&f.override.BaseURL, "base-url", "", "Base URL of issued artifact URLs")
	fs.Func("chunk-size", "Chunk size (e.g. 256KiB, 1MB)", func(s string) error {
		return f.override.ChunkSize.Decode(s)
	})
	fs.StringVar(&f.override.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.DurationVar(&f.override.HTTP.Timeout, "timeout", 0, "Timeout waiting for response headers")
	fs.IntVar(&f.override.HTTP.Retry.Attempts, "retry-attempts", 0, "Retry attempts when opening the source")
}

// load resolves the configuration: defaults or file, then environment, then
// flags.
func (f *commonFlags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configPath); err != nil {
			return config.Config{}, err
		}
	}

	var envFiles []string
	if f.envFile != "" {
		envFiles = append(envFiles, f.envFile)
	}
	if err := cfg.LoadFromEnv(envFiles...); err != nil {
		return config.Config{}, err
	}

	cfg = cfg.Merge(f.override)

	// Merge skips zero values, which are meaningful for these flags.
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "timeout":
			cfg.HTTP.Timeout = f.override.HTTP.Timeout
		case "retry-attempts":
			cfg.HTTP.Retry.Attempts = f.override.HTTP.Retry.Attempts
		case "progress":
			cfg.Progress = f.override.Progress
		}
	})
	return cfg, nil
}

func newLogger(level string, debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// components is the wired download pipeline.
type components struct {
	store   *artifact.Store
	session *session.Session
}

func (c *components) Close(ctx context.Context) {
	c.session.Close(ctx)
	c.store.Close()
}

func buildComponents(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...session.Option) (*components, error) {
	store, err := artifact.OpenStore(ctx, cfg.Bucket, cfg.BaseURL, artifact.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	httpOpts := siphonhttp.DefaultOptions()
	httpOpts.Timeout = cfg.HTTP.Timeout
	httpOpts.RetryAttempts = cfg.HTTP.Retry.Attempts
	httpOpts.RetryBackoff = cfg.HTTP.Retry.Backoff
	httpOpts.RetryMaxBackoff = cfg.HTTP.Retry.MaxBackoff
	httpOpts.Logger = logger

	src := source.NewHTTP(source.Options{
		ChunkSize:   int64(cfg.ChunkSize),
		HTTPOptions: httpOpts,
		Logger:      logger,
	})

	asm := assembler.New(store,
		assembler.WithLogger(logger),
		assembler.WithNotifier(func(err error) {
			logger.Error("download failed", zap.Error(err))
		}),
	)

	opts = append([]session.Option{session.WithLogger(logger)}, opts...)
	return &components{
		store:   store,
		session: session.New(src, asm, opts...),
	}, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[siphon] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// exitCode maps a download failure to a process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, stream.ErrCanceled), errors.Is(err, context.Canceled):
		return ExitInterrupted
	case stream.IsKind(err, stream.KindInvalidProgress):
		return ExitInvalidProgress
	case errors.Is(err, siphonhttp.ErrNotFound),
		errors.Is(err, siphonhttp.ErrForbidden),
		errors.Is(err, siphonhttp.ErrUnauthorized),
		errors.Is(err, siphonhttp.ErrServerError),
		errors.Is(err, source.ErrUnknownLength),
		errors.Is(err, source.ErrShortBody):
		return ExitSourceError
	case errors.Is(err, artifact.ErrNotFound):
		return ExitStorageError
	default:
		return ExitGeneralError
	}
}
