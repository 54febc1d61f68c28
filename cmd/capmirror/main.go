package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/config"
	"github.com/JakeFAU/cap-mirror/internal/server"
	pgstore "github.com/JakeFAU/cap-mirror/internal/storage/postgres"
)

const (
	cmdServe   = "serve"
	cmdMigrate = "migrate"
	cmdCrawl   = "crawl"
	cmdPurge   = "purge"
)

var errUsage = errors.New("usage: capmirror [-config path] [serve|migrate|crawl|purge]")

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfgPath, command, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfgPath, command); err != nil {
		fmt.Fprintf(os.Stderr, "capmirror %s: %v\n", command, err)
		os.Exit(1)
	}
}

func parseArgs(args []string, output io.Writer) (string, string, error) {
	fs := flag.NewFlagSet("capmirror", flag.ContinueOnError)
	fs.SetOutput(output)
	cfgPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return "", "", fmt.Errorf("%w: %w", errUsage, err)
	}
	switch fs.NArg() {
	case 0:
		return *cfgPath, cmdServe, nil
	case 1:
		switch cmd := fs.Arg(0); cmd {
		case cmdServe, cmdMigrate, cmdCrawl, cmdPurge:
			return *cfgPath, cmd, nil
		default:
			return "", "", fmt.Errorf("%w: unknown command %q", errUsage, cmd)
		}
	default:
		return "", "", errUsage
	}
}

func run(ctx context.Context, cfgPath, command string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	if command == cmdMigrate {
		if cfg.Database.DSN == "" {
			return errors.New("database.dsn is required for migrate")
		}
		version, err := pgstore.Migrate(cfg.Database.DSN)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "schema at version %d\n", version)
		return nil
	}

	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build app failed: %w", err)
	}

	switch command {
	case cmdCrawl:
		defer app.Close(context.Background())
		out, err := app.RunEpoch(ctx)
		if err != nil {
			return err
		}
		app.Logger().Info("crawl trigger finished", zap.String("state", string(out.State)))
		return nil
	case cmdPurge:
		defer app.Close(context.Background())
		purged, err := app.RunPurge(ctx)
		app.Logger().Info("purge finished", zap.Int("crawls_purged", purged), zap.Error(err))
		return err
	default:
		return app.Run(ctx)
	}
}
