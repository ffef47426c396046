package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperfront/hyperfront/cmd/hyperfront/internal/config"
	"github.com/hyperfront/hyperfront/hl"
	"github.com/hyperfront/hyperfront/hl/ws"
	hflog "github.com/hyperfront/hyperfront/log"
	"github.com/hyperfront/hyperfront/storage"
	"github.com/hyperfront/hyperfront/trailing"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}

	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, err := config.GetLogHandler(cfg)
	if err != nil {
		fatal("log init failed", err)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx = hflog.ContextWithLogger(appCtx, logger)

	store, err := storage.New(cfg.StoragePath, logger.WithGroup("storage"))
	if err != nil {
		fatal("storage init failed", err)
	}
	defer store.Close()

	signer, err := hl.NewWalletSigner(cfg.PrivateKey)
	if err != nil {
		fatal("signer init failed", err)
	}

	info := hl.NewInfo(cfg.APIURL)

	exchangeOpts := []hl.ExchangeOption{
		hl.WithTestnet(cfg.Testnet),
		hl.WithSignatureChainID(cfg.SignatureChainID),
		hl.WithSlippage(cfg.Slippage),
	}
	if cfg.BuilderAddress != "" {
		exchangeOpts = append(exchangeOpts, hl.WithBuilder(hl.BuilderConfig{
			Address:      cfg.BuilderAddress,
			FeeTenthsBps: cfg.BuilderFee,
		}))
	}
	exchange := hl.NewExchange(cfg.APIURL, signer, info, exchangeOpts...)

	wsClient := ws.New(cfg.WSURL,
		ws.WithPingInterval(cfg.PingInterval),
		ws.WithReconnectBackoff(cfg.ReconnectMin, cfg.ReconnectMax, cfg.ReconnectAttempts),
	)
	if err := wsClient.Connect(appCtx); err != nil {
		fatal("websocket connect failed", err)
	}
	defer wsClient.Close()

	engine, err := trailing.NewEngine(appCtx,
		storage.NewTrailingStore(store, cfg.TrailingNamespace),
		newExchangeSubmitter(exchange, store),
	)
	if err != nil {
		fatal("trailing engine init failed", err)
	}

	unsubscribeMids, err := wsClient.Mids(appCtx, func(mids ws.AllMids, err error) {
		if err != nil {
			logger.Warn("allMids feed error", slog.String("error", err.Error()))
			return
		}
		engine.HandleMids(appCtx, mids.Mids)
	})
	if err != nil {
		fatal("allMids subscription failed", err)
	}
	defer unsubscribeMids()

	unsubscribeOrders, err := wsClient.OrderUpdates(appCtx, cfg.Wallet, func(updates []ws.OrderUpdate, err error) {
		if err != nil {
			logger.Warn("orderUpdates feed error", slog.String("error", err.Error()))
			return
		}
		for _, update := range updates {
			logger.Debug("order update",
				slog.String("coin", update.Order.Coin),
				slog.Int64("oid", update.Order.Oid),
				slog.String("status", update.Status))
		}
	})
	if err != nil {
		fatal("orderUpdates subscription failed", err)
	}
	defer unsubscribeOrders()

	go engine.Run(appCtx)

	logger.Info("hyperfront running",
		slog.String("wallet", cfg.Wallet),
		slog.Bool("testnet", cfg.Testnet),
		slog.Int("trailing-orders", len(engine.List())))

	<-appCtx.Done()
	logger.Info("shutting down")
}
