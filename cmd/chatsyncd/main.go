package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	configFlag := flag.String("config", "", "config file (default ~/.chatsync/config.toml)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	dataFlag := flag.String("data-dir", "", "data directory (overrides config)")
	redisFlag := flag.String("redis", "", "redis URL for the response cache (overrides config)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := config.ApplyEnv(cfg, session.EnvPath(), ".env"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Server.Listen = *listenFlag
	}
	if *dataFlag != "" {
		cfg.Server.DataDir = *dataFlag
	}
	if *redisFlag != "" {
		cfg.Server.RedisURL = *redisFlag
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
