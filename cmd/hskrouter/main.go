package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/barawn/software-pueo-turf/internal/logging"
	"github.com/barawn/software-pueo-turf/internal/router"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg := defaultDaemonConfig()
	if *configPath != "" {
		loaded, err := loadDaemonConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hskrouter: %v\n", err)
			os.Exit(router.ExitFatal)
		}
		cfg = loaded
	}
	logging.Reconfigure(cfg.Log)
	gin.SetMode(gin.ReleaseMode)

	svc := router.NewServiceWithConfig(cfg.Service)
	code, err := svc.Run()
	if err != nil {
		log.Error().Err(err).Int("exit", code).Msg("hskrouter stopped")
	}
	os.Exit(code)
}
