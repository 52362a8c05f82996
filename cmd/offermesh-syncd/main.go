// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// offermesh-syncd is the offer sync daemon. It keeps one relay
// session to the wallet agent alive, uploads locally-created offers
// to the external index, and polls the index to keep offer lifecycle
// state fresh in the local store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/offermesh/offermesh/index"
	"github.com/offermesh/offermesh/lib/clock"
	"github.com/offermesh/offermesh/lib/config"
	"github.com/offermesh/offermesh/offer"
	"github.com/offermesh/offermesh/offerstore"
	"github.com/offermesh/offermesh/relay"
	"github.com/offermesh/offermesh/walletbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to offermesh.yaml (overrides OFFERMESH_CONFIG)")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsureStoreDir(); err != nil {
		return err
	}
	store, err := offerstore.Open(offerstore.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	indexClient, err := index.NewClient(index.ClientConfig{
		BaseURL: cfg.Index.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	transport := relay.NewTCP(cfg.Relay.Address, logger)
	manager, err := walletbridge.NewManager(walletbridge.ManagerConfig{
		Transport:      transport,
		Logger:         logger,
		ConnectTimeout: config.Duration(cfg.Relay.ConnectTimeout, walletbridge.DefaultConnectTimeout),
		ConnectGrace:   config.Duration(cfg.Relay.ConnectGrace, walletbridge.DefaultConnectGrace),
		InitialDelay:   config.Duration(cfg.Relay.Backoff.InitialDelay, walletbridge.DefaultInitialDelay),
		MaxDelay:       config.Duration(cfg.Relay.Backoff.MaxDelay, walletbridge.DefaultMaxDelay),
		MaxAttempts:    cfg.Relay.Backoff.MaxAttempts,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("closing connection manager", "error", err)
		}
	}()

	unsubscribe := manager.Subscribe(func(change walletbridge.StateChange) {
		attrs := []any{"previous", change.Previous, "current", change.Current}
		if change.Err != nil {
			attrs = append(attrs, "error", change.Err)
		}
		if change.Current == walletbridge.StatusConnected && change.Session.Topic != cfg.Relay.Topic {
			attrs = append(attrs, "configured_topic", cfg.Relay.Topic, "settled_topic", change.Session.Topic)
			logger.Warn("session settled on an unexpected topic", attrs...)
			return
		}
		logger.Info("connection state changed", attrs...)
	})
	defer unsubscribe()

	dispatcher, err := walletbridge.NewDispatcher(walletbridge.DispatcherConfig{
		Transport:      transport,
		Manager:        manager,
		Logger:         logger,
		RequestTimeout: config.Duration(cfg.Relay.RequestTimeout, walletbridge.DefaultRequestTimeout),
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()
	wallet := walletbridge.NewWallet(dispatcher)

	poller, err := offer.NewPoller(offer.PollerConfig{
		Store:            store,
		Inspector:        indexClient,
		Logger:           logger,
		Interval:         config.Duration(cfg.Poll.Interval, offer.DefaultPollInterval),
		LongPollInterval: config.Duration(cfg.Poll.LongPollInterval, offer.DefaultLongPollInterval),
		LongPollAttempts: cfg.Poll.LongPollAttempts,
		OnRefresh: func() {
			logger.Debug("offer state refreshed")
		},
	})
	if err != nil {
		return err
	}
	defer poller.Close()

	if err := manager.Connect(ctx); err != nil {
		// The sync daemon is useful without a live wallet session: the
		// poller and uploader only need the index. Reconnection stays
		// available via the manager.
		logger.Warn("initial wallet connection failed", "error", err)
	} else if address, err := wallet.Address(ctx); err != nil {
		logger.Warn("wallet address query failed", "error", err)
	} else {
		logger.Info("wallet session established", "address", address)
	}

	poller.Start()
	go runUploadLoop(ctx, logger, store, indexClient,
		config.Duration(cfg.Poll.Interval, offer.DefaultPollInterval))

	logger.Info("offermesh syncd running",
		"relay", cfg.Relay.Address,
		"index", cfg.Index.BaseURL,
		"store", cfg.Store.Path,
		"poll_interval", cfg.Poll.Interval,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// runUploadLoop periodically pushes locally-created offers to the
// index. A record acquires its index id here, which makes it eligible
// for polling; successful uploads are marked synced in one batch.
func runUploadLoop(ctx context.Context, logger *slog.Logger, store *offerstore.Store, client *index.Client, interval time.Duration) {
	ticker := clock.Real().NewTicker(interval)
	defer ticker.Stop()
	for {
		uploadUnsynced(ctx, logger, store, client)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func uploadUnsynced(ctx context.Context, logger *slog.Logger, store *offerstore.Store, client *index.Client) {
	records, err := store.ListUnsynced(ctx)
	if err != nil {
		logger.Warn("listing unsynced offers", "error", err)
		return
	}

	var synced []string
	for _, record := range records {
		if len(record.OfferPayload) == 0 {
			continue
		}
		response, err := client.PostOffer(ctx, string(record.OfferPayload))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("offer upload failed", "trade_id", record.TradeID, "error", err)
			continue
		}
		now := time.Now()
		update := offer.Update{IndexID: &response.ID, LastModified: &now}
		if err := store.Update(ctx, record.ID, update); err != nil {
			if errors.Is(err, offerstore.ErrNotFound) {
				// Deleted locally while uploading; nothing to record.
				continue
			}
			logger.Warn("recording index id", "trade_id", record.TradeID, "error", err)
			continue
		}
		synced = append(synced, record.ID)
		logger.Info("offer uploaded to index",
			"trade_id", record.TradeID, "index_id", response.ID, "known", response.Known)
	}

	if len(synced) > 0 {
		if err := store.MarkSynced(ctx, synced); err != nil {
			logger.Warn("marking offers synced", "error", err)
		}
	}
}
