package main

import (
	"flag"
	"fmt"
	"os"

	"devopspal/internal/chatbot"
	"devopspal/internal/config"

	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for DEVOPSPAL_BASE_URL / DEVOPSPAL_AUTH_TOKEN.
	_ = godotenv.Load()

	configFile := flag.String("config", "", "Path to TOML config file")
	baseURL := flag.String("base-url", "", "Chat backend base URL (overrides config)")
	authToken := flag.String("auth-token", "", "Bearer token for the backend (overrides config)")
	timeout := flag.Int("timeout", -1, "HTTP timeout in seconds, 0 for none (overrides config)")
	archive := flag.String("archive", "", "Path to the local transcript archive (overrides config)")
	resume := flag.String("session-id", "", "Resume a locally archived session by id")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *authToken != "" {
		cfg.AuthToken = *authToken
	}
	if *timeout >= 0 {
		cfg.TimeoutSeconds = *timeout
	}
	if *archive != "" {
		cfg.ArchivePath = *archive
	}
	cfg.ResumeSessionID = *resume
	if *debug {
		cfg.Debug = true
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize DevOps Pal: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
