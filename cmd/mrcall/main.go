// Command mrcall connects to a connectd server and issues one RPC call,
// printing the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"connectd/auth"
	"connectd/client"
	"connectd/connconfig"
	"connectd/router"

	"go.uber.org/zap"
)

func main() {
	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Int("port", 7700, "server port")
	password := flag.String("password", "", "shared auth secret (required)")
	method := flag.String("method", "ping", "rpc method to call")
	flag.Parse()

	if *password == "" {
		fmt.Fprintln(os.Stderr, "mrcall: -password is required")
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := connconfig.DefaultClient()
	cfg.ServerHost = *host
	cfg.ServerPort = *port
	cfg.Password = *password
	cfg.Logger = logger

	cl := client.New(cfg, router.New(logger), auth.ClientInfo{Name: "mrcall", Version: "1"})
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := cl.Connect(ctx); err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}

	callCtx, cancelCall := context.WithTimeout(context.Background(), cfg.RPCTimeout)
	defer cancelCall()
	res, err := cl.Call(callCtx, *method, map[string]any{})
	if err != nil {
		logger.Fatal("call failed", zap.Error(err))
	}

	fmt.Printf("%s => %v\n", *method, res["data"])
	cl.Close()
	time.Sleep(50 * time.Millisecond) // let the connection's DISCONNECT drain before exit
}
