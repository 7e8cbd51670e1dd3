// image2rtspd turns directories of still images into continuous RTSP
// video streams, one external ffmpeg process per task, and keeps the
// fleet alive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-av/image2rtsp/internal/config"
	"github.com/go-av/image2rtsp/internal/core"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("image2rtspd %s\n", version)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc, err := core.New(cfg)
	if err != nil {
		slog.Error("failed to initialize service", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("image2rtspd starting", "version", version, "instance_id", cfg.InstanceID)
	if err := svc.Run(ctx); err != nil {
		slog.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}
