package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ligustah/siphon/internal/progress"
	"github.com/ligustah/siphon/internal/session"
	"github.com/ligustah/siphon/pkg/artifact"
	"github.com/ligustah/siphon/pkg/stream"
)

func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)

	var common commonFlags
	common.register(fs)
	fs.StringVar(&common.override.URL, "url", "", "Source URL (required)")
	fs.StringVar(&common.override.Output, "output", "", "Output file path, '-' for stdout (default: source filename)")
	fs.StringVar(&common.override.Name, "name", "", "Filename stored with the artifact")
	fs.BoolVar(&common.override.Progress, "progress", false, "Show a progress bar")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: siphon fetch [options]

Stream a remote file chunk by chunk into an artifact, then copy the
artifact to a local file. The artifact is revoked on exit.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() == 1 && common.override.URL == "" {
		common.override.URL = fs.Arg(0)
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.ValidateFetch(); err != nil {
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

	return fetch(ctx, fetchOptions{
		url:       cfg.URL,
		output:    cfg.Output,
		name:      cfg.Name,
		chunkSize: int64(cfg.ChunkSize),
		progress:  cfg.Progress,
	}, func(opts ...session.Option) (*components, error) {
		return buildComponents(ctx, cfg, logger, opts...)
	}, logger)
}

type fetchOptions struct {
	url       string
	output    string
	name      string
	chunkSize int64
	progress  bool
}

type buildFunc func(opts ...session.Option) (*components, error)

func fetch(ctx context.Context, opts fetchOptions, build buildFunc, logger *zap.Logger) int {
	// The total is only known once the first chunk arrives.
	var (
		mu       sync.Mutex
		reporter *progress.Reporter
	)
	onChunk := func(c stream.Chunk) {
		if !opts.progress {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if reporter == nil {
			reporter = progress.NewReporter(progress.Options{
				TotalSize: c.Total,
				ChunkSize: opts.chunkSize,
				SourceURL: opts.url,
			})
			reporter.Start()
		}
		reporter.ChunkReceived(c.Offset)
	}
	stopReporter := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if reporter != nil {
			reporter.Stop(err)
		}
	}

	c, err := build(session.WithProgress(onChunk))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer c.Close(context.Background())

	var startOpts []session.StartOption
	if opts.name != "" {
		startOpts = append(startOpts, session.WithFilename(opts.name))
	}

	h, err := c.session.Start(ctx, opts.url, startOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	err = h.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		c.session.Cancel()
	}
	stopReporter(err)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	u, ok := h.Artifact()
	if !ok {
		fmt.Fprintln(os.Stderr, "Error: download finished without an artifact")
		return ExitGeneralError
	}
	logger.Debug("artifact ready", zap.String("url", u.String()))

	output := opts.output
	if output == "" {
		output = h.Filename
	}
	n, err := copyArtifact(ctx, c.store, u, output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	if output != "-" {
		fmt.Fprintf(os.Stderr, "[siphon] Wrote %s to %s\n", progress.FormatBytes(n), output)
	}
	return ExitSuccess
}

// copyArtifact writes the artifact at u to path, or to stdout for "-". The
// file is written under a temporary name and renamed once complete.
func copyArtifact(ctx context.Context, store *artifact.Store, u artifact.URL, path string) (int64, error) {
	r, err := store.Open(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer r.Close()

	if path == "-" {
		return io.Copy(os.Stdout, r)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".siphon-*")
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("write output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("write output: %w", err)
	}
	return n, nil
}
