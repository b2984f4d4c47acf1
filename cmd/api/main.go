// Package main is the entry point for the chat relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/config"
	"github.com/capitalize-ai/chatrelay/internal/handler"
	"github.com/capitalize-ai/chatrelay/internal/llm"
	"github.com/capitalize-ai/chatrelay/internal/middleware"
	"github.com/capitalize-ai/chatrelay/internal/model"
	natsclient "github.com/capitalize-ai/chatrelay/internal/nats"
	"github.com/capitalize-ai/chatrelay/internal/provider"
	"github.com/capitalize-ai/chatrelay/internal/relay"
	"github.com/capitalize-ai/chatrelay/internal/service"
	"github.com/capitalize-ai/chatrelay/internal/store"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
	"github.com/capitalize-ai/chatrelay/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting chat relay", zap.Int("port", cfg.Server.Port))

	ctx := context.Background()
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "chatrelay", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.WithoutCancel(ctx), tp)
		}
	}

	db, err := store.OpenSQLite(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := store.NewContentStore(cfg.Storage.BlobDir)
	if err != nil {
		return err
	}

	// Events are optional. Interfaces stay nil when NATS is off so the
	// services and the readiness check skip it.
	var (
		events   service.EventPublisher
		natsConn handler.ConnChecker
	)
	if cfg.NATS.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		nc, err := natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATS.URL,
			CAFile:   cfg.NATS.CAFile,
			CertFile: cfg.NATS.CertFile,
			KeyFile:  cfg.NATS.KeyFile,
			Token:    cfg.NATS.Token,
		}, log)
		if err != nil {
			cancel()
			return err
		}
		defer nc.Close()

		streams := natsclient.NewStreamManager(nc)
		err = streams.EnsureStream(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		events = streams
		natsConn = nc
	}

	router, err := provider.New(cfg.ProviderRules())
	if err != nil {
		return err
	}
	for _, rule := range router.Rules() {
		ep := provider.Endpoint{Name: rule.Name, BaseURL: rule.BaseURL, APIKey: rule.APIKey}
		if !ep.HasCredentials() {
			log.Warn("provider has no credentials; turns routed to it will fail", zap.String("provider", rule.Name))
		}
	}

	client, err := llm.NewOpenAIClient(llm.ClientConfig{ProxyURL: cfg.Relay.HTTPSProxy})
	if err != nil {
		return err
	}

	defaults := llm.Defaults{
		Model:       cfg.Relay.DefaultModel,
		Temperature: cfg.Relay.Temperature,
		TopP:        cfg.Relay.TopP,
	}
	rl := relay.New(router, client,
		relay.WithTimeout(cfg.Relay.Timeout),
		relay.WithDefaults(defaults),
		relay.WithLogger(log.Named("relay")),
	)

	conversationSvc := service.NewConversationService(db, blobs, events, log)
	chatSvc := service.NewChatService(rl, conversationSvc, events, log)

	h := handler.NewRouter(handler.RouterConfig{
		Health: handler.NewHealthHandler(db, natsConn),
		Chat: handler.NewChatHandler(chatSvc, model.ConfigResponse{
			Model:      defaults.Model,
			TimeoutMs:  cfg.Relay.Timeout.Milliseconds(),
			HTTPSProxy: redactProxy(cfg.Relay.HTTPSProxy),
		}, log),
		Conversations: handler.NewConversationHandler(conversationSvc, log),
		Messages:      handler.NewMessageHandler(conversationSvc, log),
		Verifier:      middleware.NewJWTVerifier(cfg.Auth.JWTSecret),
		ChatPerHour:   cfg.RateLimit.RequestsPerHour,
		Logger:        log,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// redactProxy hides proxy credentials before the URL is shown to clients.
func redactProxy(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
