package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/MediaRelay/config"
	"github.com/jaywantadh/MediaRelay/internal/auth"
	"github.com/jaywantadh/MediaRelay/internal/encryptor"
	"github.com/jaywantadh/MediaRelay/internal/metadata"
	"github.com/jaywantadh/MediaRelay/internal/transfer"
	"github.com/jaywantadh/MediaRelay/pkg/env"
	"github.com/jaywantadh/MediaRelay/pkg/logging"
)

// app holds everything a command needs, built from configuration.
type app struct {
	cfg         *config.AppConfig
	store       *metadata.MetadataStore
	credentials auth.CredentialStore
	engine      *transfer.Engine
}

func newApp(configDir string) (*app, error) {
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, err
	}
	logging.InitLogger(cfg.Debug)

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage path: %w", err)
	}
	store, err := metadata.OpenMetadataStore(filepath.Join(cfg.StoragePath, "metadata"))
	if err != nil {
		return nil, err
	}

	var sealer encryptor.Sealer
	if cfg.Credentials.Passphrase != "" {
		if sealer, err = encryptor.NewSealer(cfg.Credentials.Passphrase); err != nil {
			store.Close()
			return nil, err
		}
	} else {
		logging.Log.Warn("credentials.passphrase is empty, credentials are stored unsealed")
	}
	credentials := auth.NewSealedStore(store, sealer)

	// a token in the environment wins over the stored credential
	var tokens auth.TokenSupplier = auth.NewStoreSupplier(credentials, cfg.Credentials.Account)
	if tok := env.GetEnv("MEDIARELAY_ACCESS_TOKEN", ""); tok != "" {
		tokens = auth.StaticToken(tok)
	}

	httpClient := &http.Client{}
	source := transfer.NewSource(httpClient, transfer.WithContentSniffing(cfg.Transfer.SniffContentType))
	dest := transfer.NewClient(cfg.Destination.SessionURL, httpClient, tokens)

	engine, err := transfer.NewEngine(source, dest, transfer.Options{
		ChunkSize:        cfg.Transfer.ChunkSize,
		ChunkGranularity: cfg.Transfer.ChunkGranularity,
		MaxAttempts:      cfg.Transfer.MaxAttempts,
		InitialBackoff:   cfg.Transfer.InitialBackoff,
		MaxBackoff:       cfg.Transfer.MaxBackoff,
		RequestTimeout:   cfg.Transfer.RequestTimeout,
		AssetIDField:     cfg.Destination.AssetIDField,
	}, transfer.WithRecordStore(store))
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: store, credentials: credentials, engine: engine}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logging.Log.WithError(err).Warn("closing metadata store")
	}
}

// printer logs progress events until ctx is done.
func (a *app) printer(ctx context.Context) chan<- transfer.ProgressEvent {
	ch := make(chan transfer.ProgressEvent, 64)
	log := logging.Component("cli")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ch:
				entry := log.WithFields(logrus.Fields{
					"transfer_id": ev.TransferID,
					"status":      ev.Status,
					"confirmed":   ev.BytesConfirmed,
					"total":       ev.TotalBytes,
				})
				switch {
				case ev.Err != nil:
					entry.WithError(ev.Err).Warn("transfer event")
				case ev.ChunkStatus != "":
					entry.WithField("chunk", ev.ChunkIndex).Infof("chunk %s", ev.ChunkStatus)
				default:
					entry.Infof("transfer %s", ev.Status)
				}
			}
		}
	}()
	return ch
}
