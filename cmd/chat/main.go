// cmd/chat/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"chatstate/config"
	"chatstate/services"

	"github.com/spf13/pflag"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", os.Getenv("CHAT_CONFIG"), "path to the YAML config file")
		apiURL     = pflag.String("api-url", "", "conversation server URL (overrides config)")
		agent      = pflag.StringP("agent", "a", "", "agent to chat with (overrides config)")
		logLevel   = pflag.String("log-level", "", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *apiURL != "" {
		cfg.Client.APIURL = *apiURL
	}
	if *agent != "" {
		cfg.Client.Agent = *agent
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := config.NewLogger(cfg.Logging, os.Stderr)
	store := services.NewConversationStore(
		services.NewConversationClient(cfg.Client.APIURL, cfg.Client.Timeout),
		services.WithLogger(logger),
	)
	defer store.Close()
	ctx = services.WithConversationStore(ctx, store)

	r := newRenderer(out)
	unsubscribe := store.Subscribe(r.render)
	defer unsubscribe()

	sess := &session{agent: cfg.Client.Agent, out: out}
	sess.banner()
	// 起動時に会話一覧を取得
	sess.handle(ctx, "/list")

	scanner := bufio.NewScanner(in)
	for {
		sess.prompt()
		if !scanner.Scan() {
			return scanner.Err()
		}
		if sess.handle(ctx, scanner.Text()) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
