package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/metermint/creditledger/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	flag.Parse()

	opts := app.Options{ConfigPath: *configPath}

	if *migrateOnly {
		if err := app.Migrate(opts); err != nil {
			log.WithError(err).Fatal("migration failed")
		}
		log.Info("migration complete")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunServer(ctx, opts); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
