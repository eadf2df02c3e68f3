package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nostrgate/nostrgate/internal/config"
	"github.com/nostrgate/nostrgate/internal/policystore"
	"github.com/nostrgate/nostrgate/internal/wsproxy"
)

const banner = `
   _   __           __       ____        __
  / | / /___  _____/ /______/ __ `+"`"+`____ _/ /____
 /  |/ / __ \/ ___/ __/ ___/ / / / __ `+"`"+`/ __/ _ \
/ /|  / /_/ (__  ) /_/ /  / /_/ / /_/ / /_/  __/
/_/ |_/\____/____/\__/_/   \__, /\__,_/\__/\___/
                          /____/

    Nostr publish-gate proxy
`

func main() {
	setupLogging()
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	applyLogLevel(cfg.LogLevel)

	store, err := policystore.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open policy store")
	}
	defer store.Close()

	proxy := wsproxy.New(cfg.Upstream.URL, store, store, cfg.Filter.RefreshInterval)

	server := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: proxy,
	}

	go func() {
		log.Info().
			Str("listen", cfg.Server.Listen).
			Str("upstream", cfg.Upstream.URL).
			Msg("Starting nostrgate proxy")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Proxy listener failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("nostrgate stopped")
}

func setupLogging() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	applyLogLevel(os.Getenv("LOG_LEVEL"))
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
