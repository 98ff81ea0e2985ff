package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omni-gateway/internal/adapter/backend"
	"omni-gateway/internal/adapter/channel"
	"omni-gateway/internal/adapter/instance"
	"omni-gateway/internal/domain"
	"omni-gateway/internal/infra/config"
	"omni-gateway/internal/infra/logger"
	"omni-gateway/internal/infra/tracer"
	"omni-gateway/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	store, err := instance.NewSQLiteTargetStore(cfg.Instances.DBPath)
	if err != nil {
		return fmt.Errorf("open instance store: %w", err)
	}
	defer store.Close()

	factory := backend.NewFactory(cfg.Routing.CircuitBreaker, logger.Component(log, "backend"))
	registry := usecase.NewSessionRegistry()
	router := usecase.NewRouter(factory, registry, cfg.Routing, logger.Component(log, "router"))

	channels, err := buildChannels(cfg, logger.Component(log, "channel"))
	if err != nil {
		return err
	}
	for _, ch := range channels {
		router.RegisterChannel(ch)
	}

	handler := inboundHandler(router, store, log)
	for _, ch := range channels {
		if err := ch.Start(ctx, handler); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		log.Info("channel started", "channel", ch.Name())
	}

	log.Info("gateway running", "channels", len(channels))
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	registry.StopAll()
	for _, ch := range channels {
		if err := ch.Stop(shutdownCtx); err != nil {
			log.Warn("channel stop error", "channel", ch.Name(), "error", err)
		}
	}
	factory.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("tracer shutdown error", "error", err)
	}

	return nil
}

func buildChannels(cfg *config.Config, log *slog.Logger) ([]domain.Channel, error) {
	var channels []domain.Channel
	for i, cc := range cfg.Channels {
		switch cc.Type {
		case "evolution":
			ev := cc.Evolution
			channels = append(channels, channel.NewEvolutionChannel(
				ev.BaseURL, ev.APIKey, ev.Instance, ev.WebhookAddr, log,
			))
		case "discord":
			dc := cc.Discord
			var opts []channel.DiscordOption
			if dc.GuildID != "" {
				opts = append(opts, channel.WithDiscordGuild(dc.GuildID))
			}
			channels = append(channels, channel.NewDiscordChannel(dc.Token, dc.Instance, log, opts...))
		default:
			return nil, fmt.Errorf("channels[%d]: unknown type %q", i, cc.Type)
		}
	}
	return channels, nil
}

// inboundHandler routes each normalized inbound message: resolve the
// instance's target, pick streaming or direct, and run the exchange in its
// own goroutine so one slow backend never blocks channel receive loops.
func inboundHandler(router *usecase.Router, store domain.TargetStore, log *slog.Logger) domain.MessageHandler {
	return func(ctx context.Context, msg domain.InboundMessage) error {
		if msg.Text == "" {
			log.Debug("skipping message without text",
				"channel", msg.ChannelName,
				"type", msg.MessageType,
			)
			return nil
		}

		target, err := store.Get(ctx, msg.Instance)
		if err != nil {
			log.Error("no routing target for instance",
				"instance", msg.Instance,
				"error", err,
			)
			return err
		}

		req := usecase.RouteRequest{
			Text:        msg.Text,
			RecipientID: msg.SenderID,
			Instance:    msg.Instance,
			Channel:     msg.ChannelName,
			UserID:      msg.SenderID,
		}

		go func() {
			if router.ShouldUseStreaming(*target) {
				router.RouteMessageStreaming(context.WithoutCancel(ctx), req, *target)
				return
			}
			if _, err := router.RouteMessage(context.WithoutCancel(ctx), req, *target); err != nil {
				log.Error("direct route failed",
					"instance", msg.Instance,
					"recipient", msg.SenderID,
					"error", err,
				)
			}
		}()
		return nil
	}
}
