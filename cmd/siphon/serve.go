package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ligustah/siphon/internal/server"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	var common commonFlags
	common.register(fs)
	fs.StringVar(&common.override.Listen, "listen", "", "Listen address (default :8080)")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: siphon serve [options]

Run the download service. POST /downloads starts a download, GET
/downloads/current reports progress and the artifact URL, and
/artifacts/{id} serves published artifacts.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.ValidateServe(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	logger, err := newLogger(cfg.LogLevel, common.debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Close(closeCtx)
	}()

	srv := server.New(c.session, c.store, server.WithLogger(logger))
	logger.Info("starting siphon",
		zap.String("listen", cfg.Listen),
		zap.String("bucket", cfg.Bucket),
		zap.String("base_url", cfg.BaseURL),
		zap.Stringer("chunk_size", cfg.ChunkSize),
	)
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		logger.Error("server failed", zap.Error(err))
		return ExitGeneralError
	}
	return ExitSuccess
}
