package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lrhodin/chatmirror/pkg/mirror"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *mirror.Config {
	return ctx.Context.Value(contextKeyConfig).(*mirror.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := mirror.LoadConfig(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := makeLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func makeLogger(cfg *mirror.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
	if cfg.Dir != "" {
		if err = os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log dir: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "chatmirror.log"),
			MaxSize:    8, // MiB
			MaxAge:     14,
			MaxBackups: 14,
		})
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// withMirror opens the source and the catalog, runs f, and tears both
// down. The context cancels on SIGINT/SIGTERM so worker pools shut
// down cooperatively.
func withMirror(ctx *cli.Context, f func(context.Context, *mirror.Mirror) error) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := mirror.OpenSource(runCtx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	m, err := mirror.New(cfg, source, log)
	if err != nil {
		return fmt.Errorf("failed to open mirror: %w", err)
	}
	defer m.Close()
	m.RegisterFileBot(mirror.ShowFilesBot{})

	if err = m.PurgeStaging(); err != nil {
		log.Warn().Err(err).Msg("Failed to purge staging area")
	}
	return f(runCtx, m)
}

func main() {
	app := &cli.App{
		Name:    "chatmirror",
		Usage:   "Mirror a remote chat's history and media into local storage",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "config.yaml",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			setupCommand,
			runCommand,
			syncCommand,
			saveCommand,
			linkCommand,
			codesCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
