package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"marketstream/config"
	"marketstream/internal/market"
	"marketstream/internal/stream"
	"marketstream/logger"
	"marketstream/pkg/exchange"
	"marketstream/pkg/storage/postgres"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	// optional candle archive
	var sink stream.CandleSink
	if cfg.Stream.Archive {
		client, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Log.Environment, true)
		if err != nil {
			log.Fatal("failed to connect to DB", zap.Error(err))
		}
		defer client.Close()
		sink = client
	}

	restClient := exchange.NewRESTClient(cfg.Exchange.REST.BaseURL, cfg.Exchange.REST.Timeout)

	engine := stream.NewEngine(stream.EngineConfig{
		Endpoints: cfg.Exchange.WS.Endpoints,
		Slot: stream.SlotConfig{
			HandshakeTimeout: cfg.Exchange.WS.HandshakeTimeout,
			BackoffBase:      cfg.Stream.BackoffBase,
			BackoffFactor:    cfg.Stream.BackoffFactor,
			BackoffMax:       cfg.Stream.BackoffMax,
			MaxAttempts:      cfg.Stream.MaxReconnectAttempts,
			QueueWait:        cfg.Stream.QueueWait,
		},
		MaxConcurrent:   cfg.Stream.MaxConcurrent,
		DispatchSpacing: cfg.Stream.DispatchSpacing,
		DebounceWindow:  cfg.Stream.DebounceWindow,
		PollInterval:    cfg.Stream.PollInterval,
		BufferSize:      cfg.Stream.BufferSize,
		BackfillLimit:   cfg.Stream.BackfillLimit,
	}, restClient, stream.NewWebSocketDialer(), sink, log)

	// prometheus endpoint
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	// kline + ticker subscriptions for each configured symbol
	for _, symbol := range cfg.Stream.Symbols {
		subscribe(engine, log, symbol, market.ChannelKline, cfg.Stream.Interval)
		subscribe(engine, log, symbol, market.ChannelTicker, "")
	}

	// wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	engine.Close()
}

// subscribe starts one stream and drains its channels in the background.
func subscribe(engine *stream.Engine, log *zap.Logger,
	symbol string, channel market.ChannelType, interval string) {

	sub, err := engine.Subscribe(symbol, channel, interval)
	if err != nil {
		log.Fatal("subscribe failed",
			zap.String("symbol", symbol), zap.String("channel", string(channel)), zap.Error(err))
	}

	go func() {
		for {
			select {
			case ev, ok := <-sub.Updates():
				if !ok {
					return
				}
				logEvent(log, ev)
			case err, ok := <-sub.Errs():
				if !ok {
					return
				}
				log.Warn("stream degraded", zap.String("topic", sub.Key().Topic()), zap.Error(err))
			}
		}
	}()
}

func logEvent(log *zap.Logger, ev market.Event) {
	switch {
	case ev.Candle != nil:
		log.Debug("candle",
			zap.String("topic", ev.Key.Topic()),
			zap.String("source", string(ev.Source)),
			zap.Int64("ts", ev.Candle.Timestamp),
			zap.Float64("close", ev.Candle.Close),
			zap.Bool("final", ev.Candle.Final))
	case ev.Ticker != nil:
		log.Debug("ticker",
			zap.String("topic", ev.Key.Topic()),
			zap.String("source", string(ev.Source)),
			zap.Float64("price", ev.Ticker.Price))
	}
}
