// helmsman-preflight runs the pre-flight validation battery against the
// configured broker and prints the report. Exit code 0 means trading may
// proceed.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"helmsman/internal/broker"
	"helmsman/internal/config"
	"helmsman/internal/preflight"
	"helmsman/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/helmsman.yaml"
	if p := os.Getenv("HELMSMAN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	client, err := broker.New(cfg)
	if err != nil {
		log.Fatalf("creating broker client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	validator := preflight.New(cfg, client, cfg.Risk.LiveTradingEnabled)
	result := validator.ValidateAll(ctx)

	fmt.Println(result.Report())
	if !validator.CanProceed() {
		os.Exit(1)
	}
}
