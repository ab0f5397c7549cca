package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"booksync/config"
	"booksync/domain"
	"booksync/engine"
	promclient "booksync/infrastructure/prometheus"
	"booksync/logger"
	"booksync/venue/binance"
	"booksync/venue/kucoin"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	market := flag.String("market", "btc_usdt", "market to watch, base_quote")
	venueName := flag.String("venue", "binance", "venue to watch")
	flag.Parse()

	logger.UseTextFormatter()
	log := logger.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	symbol, err := domain.NewMarketSymbolFromString(*market)
	if err != nil {
		log.WithError(err).Fatalf("invalid market %q", *market)
	}

	eng := engine.New(cfg.Engine, func(event domain.EventType, sym *domain.MarketSymbol, payload any) {
		switch event {
		case domain.EventOrderBook:
			book := payload.(*domain.BookSnapshot)
			if len(book.Bids) > 0 && len(book.Asks) > 0 {
				fmt.Printf("%s %s seq=%d bid=%s ask=%s\n",
					book.Venue, sym, book.Sequence,
					book.Bids[0].Price, book.Asks[0].Price)
			}
		case domain.EventTrade:
			trade := payload.(*domain.Trade)
			fmt.Printf("%s %s trade %s %s @ %s\n",
				trade.Venue, sym, trade.Side, trade.Size, trade.Price)
		}
	})

	if err := eng.Register(binance.NewAdapter(), binance.NewSnapshotAPI()); err != nil {
		log.WithError(err).Fatal("failed to register binance")
	}
	kucoinSync := kucoin.NewSnapshotAPI()
	if err := eng.Register(kucoin.NewAdapter(kucoinSync), kucoinSync); err != nil {
		log.WithError(err).Fatal("failed to register kucoin")
	}

	ctx := context.Background()
	if err := eng.Connect(ctx); err != nil {
		log.WithError(err).Fatal("failed to connect")
	}
	defer eng.Close()

	if cfg.Metrics.Enabled {
		go promclient.StartPromClientServer(cfg.Metrics.Addr)
	}

	future, err := eng.WatchOrderBook(*venueName, symbol, nil)
	if err != nil {
		log.WithError(err).Fatal("subscribe failed")
	}
	if err := future.Wait(ctx); err != nil {
		log.WithError(err).Fatal("subscribe not acknowledged")
	}
	log.Infof("watching %s order book on %s", symbol, *venueName)

	if _, err := eng.WatchTrades(*venueName, symbol); err != nil {
		log.WithError(err).Warn("trade subscribe failed")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
}
