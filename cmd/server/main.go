package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/auth"
	"github.com/ekidigital/eki-chat-server/internal/clock"
	"github.com/ekidigital/eki-chat-server/internal/config"
	"github.com/ekidigital/eki-chat-server/internal/db"
	clog "github.com/ekidigital/eki-chat-server/internal/log"
	"github.com/ekidigital/eki-chat-server/internal/mw"
	"github.com/ekidigital/eki-chat-server/internal/presence"
	"github.com/ekidigital/eki-chat-server/internal/push"
	"github.com/ekidigital/eki-chat-server/internal/server"
	"github.com/ekidigital/eki-chat-server/internal/service"
	"github.com/ekidigital/eki-chat-server/internal/signaling"
	"github.com/ekidigital/eki-chat-server/internal/store"
	"github.com/ekidigital/eki-chat-server/internal/typing"
	"github.com/ekidigital/eki-chat-server/internal/ws"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath, port, storeDriver string
	flagSet := pflag.NewFlagSet("eki-chat-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&port, "port", "", "listen port (overrides APP_PORT)")
	flagSet.StringVar(&storeDriver, "store", "", "store driver: postgres or memory (overrides STORE_DRIVER)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if port != "" {
		cfg.Port = port
	}
	if storeDriver != "" {
		cfg.StoreDriver = storeDriver
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.StoreDriver).Msg("open store")
	}

	var (
		rdb     *redis.Client
		tracker *typing.Tracker
	)
	if cfg.RedisAddr != "" {
		rdb, err = typing.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
		}
		tracker = typing.NewTracker(rdb, typing.DefaultTTL, clock.Real())
	} else {
		log.Info().Msg("redis not configured; typing markers are relayed but not stored")
	}

	clk := clock.Real()
	reg := presence.NewRegistry()
	dispatcher := push.NewDispatcher(dir, push.NewClient(cfg.ExpoEndpoint, cfg.ExpoAccessToken, nil))

	rooms := service.NewRoomService(dir, clk)
	messages := service.NewMessageService(dir, rooms, reg, dispatcher, clk)
	pres := service.NewPresenceService(dir, reg, clk)
	relay := signaling.NewRelay(reg, dir, dispatcher, clk, time.Duration(cfg.RingTimeoutSeconds)*time.Second)
	issuer := auth.NewIssuer(cfg.CallAPIKey, cfg.CallAPISecret, cfg.CallServerURL,
		time.Duration(cfg.CallTokenTTLMinutes)*time.Minute, cfg.STUNURLs, clk)

	limiter := mw.NewRateLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst, 2*time.Minute)
	limiter.Start()

	opts := ws.Options{Registry: reg, Presence: pres, Rooms: rooms, Messages: messages, Relay: relay, Limiter: limiter}
	var lister server.TypingLister
	if tracker != nil {
		opts.Typing = tracker
		lister = tracker
	}
	gw := ws.NewGateway(opts)
	h := server.NewHandler(service.NewUserService(dir), rooms, messages, lister, issuer)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, h, gw, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	gw.Shutdown()
	relay.Close()
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("pending push notifications dropped")
	}
	limiter.Stop()
	if rdb != nil {
		_ = rdb.Close()
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Directory, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn().Msg("using in-memory store; data is lost on restart")
		return store.NewMemory(), nil
	}
	gdb, err := db.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store.NewPostgres(gdb), nil
}
