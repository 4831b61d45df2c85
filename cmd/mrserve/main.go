// Command mrserve runs a minimal connectd server: accepts authenticated
// connections, answers the "ping" RPC with "pong", and broadcasts "tick"
// every 5s.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectd/auth"
	"connectd/connconfig"
	"connectd/router"
	"connectd/server"

	"go.uber.org/zap"
)

func main() {
	host := flag.String("host", "0.0.0.0", "bind host")
	port := flag.Int("port", 7700, "bind port")
	password := flag.String("password", "", "shared auth secret (required)")
	flag.Parse()

	if *password == "" {
		fmt.Fprintln(os.Stderr, "mrserve: -password is required")
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := connconfig.Default()
	cfg.Host = *host
	cfg.Port = *port
	cfg.Password = *password
	cfg.Logger = logger

	rtr := router.New(logger)
	rtr.RegisterRPC("ping", "returns pong", router.Schema{}, nil,
		func(ctx context.Context, sender router.ResponseSender, params map[string]any) (any, error) {
			return "pong", nil
		})

	srv := server.New(cfg, rtr, auth.ServerInfo{Name: "mrserve", Version: "1"}).OnHooks(server.Hooks{
		OnStartup: func(addr string) { logger.Info("listening", zap.String("addr", addr)) },
		OnClientConnect: func(id string) {
			logger.Info("client connected", zap.String("conn", id))
		},
		OnClientDisconnect: func(id string, err error) {
			logger.Info("client disconnected", zap.String("conn", id), zap.Error(err))
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.Broadcast("tick", map[string]any{"time": time.Now().Format(time.RFC3339)}, server.BroadcastFilter{})
			}
		}
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
