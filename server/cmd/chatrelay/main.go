package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat-relay/server/internal/api"
	"chat-relay/server/internal/config"
	"chat-relay/server/internal/orchestrator"
	"chat-relay/server/internal/timeline"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "chatrelay",
		Usage: "Chat message relay with long-poll and websocket delivery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path (missing file means defaults)",
				Value: "server/configs/chatrelay.yaml",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "HTTP listen address, overrides server.host/server.port",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Reload allowed origins when the config file changes",
				Value: true,
			},
		},
		Action: serve,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx context.Context, c *cli.Command) error {
	configPath := c.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		if err := cfg.SetAddr(addr); err != nil {
			return err
		}
	}

	logger := log.Default()
	orch := orchestrator.New(timeline.NewInMemoryStore(nil), orchestrator.Options{
		HoldTimeout: cfg.LongPoll.HoldTimeout,
		SendBuffer:  cfg.Stream.SendBuffer,
		Logger:      logger,
	})
	server := api.NewServer(cfg, orch, logger)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.Bool("watch") {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				server.SetAllowedOrigins(next.CORS.AllowedOrigins)
			})
			if err != nil {
				logger.Printf("[Main] ⚠️  config watch stopped: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("[Main] 🚀 chatrelay listening on %s (hold=%s, send_buffer=%d)",
			httpServer.Addr, cfg.LongPoll.HoldTimeout, cfg.Stream.SendBuffer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Printf("[Main] received %s, shutting down", sig)
	case err, ok := <-serveErr:
		if ok {
			orch.Close()
			return err
		}
	}

	// 先关闭 Orchestrator：挂起的拉取以空数组返回，推送连接随 Hub 关闭断开，Shutdown 才不会被长连接拖住
	orch.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Printf("[Main] 👋 bye")
	return nil
}
