// Command financectl operates on the finance engine's store directly: it
// applies migrations, registers accounts, places trades and prints reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/google/subcommands"

	"github.com/papertrade/finance-engine/internal/config"
	"github.com/papertrade/finance-engine/internal/portfolio"
	"github.com/papertrade/finance-engine/internal/quote"
	"github.com/papertrade/finance-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	a := &app{out: os.Stdout}
	a.open = func(ctx context.Context, migrate bool) (*portfolio.Service, func(), error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, nil, err
		}
		return openService(ctx, cfg, migrate)
	}
	for _, c := range commands(a) {
		commander.Register(c, "")
	}

	flag.Parse()

	// Keep stdout for command output.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	os.Exit(int(commander.Execute(context.Background())))
}

func openService(ctx context.Context, cfg config.Config, migrate bool) (*portfolio.Service, func(), error) {
	st, closeStore, err := store.Open(ctx, store.Options{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		RedisURL:    cfg.RedisURL,
		CacheTTL:    cfg.CacheTTL,
		Migrate:     migrate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	var quotes quote.Provider = quote.NewStaticProvider(nil)
	if cfg.QuoteBaseURL != "" {
		quotes = quote.NewHTTPProvider(cfg.QuoteBaseURL, cfg.QuoteAPIKey, cfg.QuoteTimeout)
	}
	return portfolio.NewService(st, quotes, cfg.StartingCash), closeStore, nil
}
