package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/listener"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		topics      string
		plain       bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&topics, "topics", "", "Comma separated channels to print (all configured channels when empty)")
	flag.BoolVar(&plain, "plain", false, "Disable coloured output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var selected []string
	for _, t := range strings.Split(topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			selected = append(selected, t)
		}
	}
	if len(selected) == 0 {
		for _, ch := range cfg.Channels {
			selected = append(selected, ch.Name)
		}
	}

	tr, err := bus.Open(cfg.Transport, logger)
	if err != nil {
		logger.Error("failed to open transport", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printer := listener.NewPrinter(os.Stdout, plain)
	if err := listener.Listen(ctx, tr, bus.EndpointFromConfig(cfg.Transport), selected, printer, logger); err != nil {
		logger.Error("listener exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
