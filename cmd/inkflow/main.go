// Package main is the entry point for the inkflow server and CLI.
//
// Usage:
//
//	inkflow [serve]              run the HTTP API
//	inkflow run [flags] prompt   stream one completion to stdout
//	inkflow -version
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"inkflow/config"
	"inkflow/internal/app"
	"inkflow/internal/logging"
	"inkflow/internal/version"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func realMain(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inkflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	versionFlag := fs.Bool("version", false, "Print version information")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *versionFlag {
		fmt.Fprintln(stdout, version.Info())
		return 0
	}

	cmd, rest := "serve", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		return serve(ctx, stderr)
	case "run":
		return runCommand(ctx, rest, stdin, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q (want serve or run)\n", cmd)
		return 2
	}
}

// loadConfig reads configuration and builds the process logger.
func loadConfig(logOut io.Writer) (*config.LoadResult, *slog.Logger, error) {
	result, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:  result.Config.Logging.Level,
		Format: result.Config.Logging.Format,
		Writer: logOut,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return result, logger, nil
}

func serve(ctx context.Context, stderr io.Writer) int {
	cfgResult, logger, err := loadConfig(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger.Info("starting inkflow",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	application, err := app.New(ctx, app.Options{AppConfig: cfgResult, Logger: logger})
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		return 1
	}
	if err := application.Run(ctx, ":"+cfgResult.Config.Server.Port); err != nil {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	return 0
}
