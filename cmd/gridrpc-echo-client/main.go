// Command gridrpc-echo-client connects to a gridrpc-echo-server, sends one
// send_recv call per line read from stdin (or a single -message if given),
// and prints the heartbeat broadcast on call id 2 as it arrives.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gridrpc/gridrpc/client"
	"github.com/gridrpc/gridrpc/config"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		message = flag.String("message", "", "single message to send and exit (default: read stdin line by line)")
	)
	flag.Parse()
	initLogger()

	cfg, timeouts, err := config.LoadClientConfig(*cfgPath)
	if err != nil {
		slog.Error("loading client config", "error", err)
		os.Exit(1)
	}

	cli := client.New(cfg, timeouts, nil)
	defer cli.Close()

	if err := cli.ListenBroadcast(2, func(payload []byte) {
		fmt.Printf("[heartbeat] %s\n", string(payload))
	}); err != nil {
		slog.Error("registering heartbeat listener", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.HandshakeTimeout)
	defer cancel()
	if err := cli.ConnectRetry(ctx, cfg.EffectiveSendAttempts(), cfg.SendAttemptDelay); err != nil {
		slog.Error("connecting", "error", err)
		os.Exit(1)
	}
	slog.Info("connected", "host", cfg.HostAddress, "port", cfg.Port)

	if *message != "" {
		echoOnce(cli, *message)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		echoOnce(cli, scanner.Text())
	}
}

func echoOnce(cli *client.Client, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	buf, err := cli.SendRecv(ctx, 1, []byte(line))
	if err != nil {
		slog.Error("send_recv failed", "error", err)
		return
	}
	fmt.Printf("[echo] %s\n", string(buf))
}

func initLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))
}
