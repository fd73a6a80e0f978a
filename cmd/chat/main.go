package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pelusa-v/forumchat/internal/chat"
	"github.com/pelusa-v/forumchat/internal/config"
	"github.com/pelusa-v/forumchat/internal/directory"
	"github.com/pelusa-v/forumchat/internal/logger"
	"github.com/pelusa-v/forumchat/internal/realtime"
	"github.com/pelusa-v/forumchat/internal/ui"
)

func main() {
	configPath := flag.String("config", "forumchat.toml", "path to the TOML config file")
	userID := flag.String("user", "", "signed-in user id (overrides client.user_id)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *userID != "" {
		cfg.Client.UserID = *userID
	}

	// the terminal belongs to the UI
	if os.Getenv("FORUMCHAT_LOG_SINK") == "" {
		os.Setenv("FORUMCHAT_LOG_SINK", "file:forumchat-client.log")
	}
	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	dir, err := directory.New(cfg.Client.BrokerURL, cfg.Client.RequestTimeout())
	if err != nil {
		fmt.Fprintf(os.Stderr, "directory: %v\n", err)
		os.Exit(1)
	}
	session := chat.NewSession(chat.Options{
		Directory: dir,
		Connector: chat.DialerConnector(&realtime.Dialer{
			BrokerURL:        cfg.Client.BrokerURL,
			HandshakeTimeout: cfg.Client.RequestTimeout(),
			Queue:            cfg.Client.SendBuffer,
		}),
		AckTimeout:     cfg.Client.AckTimeout(),
		ReadReceipts:   cfg.Client.ReadReceipts,
		RequestTimeout: cfg.Client.RequestTimeout(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = session.Init(ctx, cfg.Client.UserID)
	cancel()
	if err != nil {
		// the UI still runs; it shows the session as offline
		logger.Error("chat_init_failed", "user", cfg.Client.UserID, "error", err)
	}
	defer session.Teardown()

	if _, err := tea.NewProgram(ui.New(session), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ui: %v\n", err)
		os.Exit(1)
	}
}
