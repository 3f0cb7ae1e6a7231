package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"atrbot/api"
	"atrbot/config"
	"atrbot/db"
	"atrbot/featureflag"
	"atrbot/manager"
	"atrbot/store"
)

func main() {
	if err := run(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	paperOnly := flag.Bool("paper", false, "force paper trading for all bots")
	once := flag.Bool("once", false, "run a single cycle per bot and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("skipping .env: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *paperOnly {
		for i := range cfg.Bots {
			cfg.Bots[i].PaperTrading = true
		}
	}

	flags := featureflag.NewRuntimeFlags(*cfg.FeatureFlags)
	m := manager.NewManager(flags, storeFactory(cfg))

	for _, bot := range cfg.Bots {
		if err := m.AddBot(bot, cfg); err != nil {
			return fmt.Errorf("bot %s: %w", bot.ID, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		return m.RunOnce(ctx)
	}

	m.StartAll(ctx)
	log.Printf("started %d bot(s)", len(cfg.Bots))

	srv := api.NewServer(m, cfg.APIServerPort)
	go func() {
		if err := srv.Run(); err != nil {
			log.Printf("api server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)

	m.StopAll()
	return nil
}

func storeFactory(cfg *config.Config) manager.StoreFactory {
	switch cfg.PersistenceBackend {
	case "postgres":
		return func(botID string) (store.Store, error) {
			return db.NewSnapshotStorePG(cfg.PostgresURL, botID)
		}
	default:
		return func(botID string) (store.Store, error) {
			return store.NewFileStore(filepath.Join(cfg.SnapshotDir, botID+".json")), nil
		}
	}
}
