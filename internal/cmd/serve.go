package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nostrmeet/nostrmeet/internal/api"
	"github.com/nostrmeet/nostrmeet/internal/codec"
	"github.com/nostrmeet/nostrmeet/internal/config"
	"github.com/nostrmeet/nostrmeet/internal/discovery"
	"github.com/nostrmeet/nostrmeet/internal/identity"
	"github.com/nostrmeet/nostrmeet/internal/logging"
	"github.com/nostrmeet/nostrmeet/internal/metrics"
	"github.com/nostrmeet/nostrmeet/internal/relay"
	"github.com/nostrmeet/nostrmeet/internal/store"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

const shutdownTimeout = 10 * time.Second

// StartService runs the discovery service and its API until ctx is done.
// configPath may be empty or missing, in which case defaults apply and hot
// reload is off.
func StartService(ctx context.Context, cfg *config.Config, configPath string) error {
	logDir := cfg.LogDir
	if cfg.LoggingToFile && logDir == "" {
		logDir = "logs"
	}
	if err := logging.ConfigureLogOutput(logging.OutputConfig{ToFile: cfg.LoggingToFile, Dir: logDir}); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	logging.SetLogLevel(cfg.LogLevel)
	metrics.SetMetricsEnabled(cfg.Metrics)

	var signer identity.Signer
	if cfg.SecretKey != "" {
		k, err := identity.ParseSecret(cfg.SecretKey)
		if err != nil {
			return err
		}
		signer = k
		log.WithField("npub", k.NPub()).Info("signing key loaded")
	} else {
		log.Info("no signing key; running read-only")
	}

	catalog := topics.DefaultCatalog()
	if cfg.PersonaCatalog != "" {
		c, err := topics.LoadCatalog(cfg.PersonaCatalog)
		if err != nil {
			return err
		}
		catalog = c
	}

	var journal *store.Journal
	if cfg.DatabasePath != "" {
		j, err := store.OpenJournal(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer func() {
			if errClose := j.Close(); errClose != nil {
				log.WithError(errClose).Warn("failed to close journal")
			}
		}()
		pruned, err := j.Prune(ctx, time.Now().Add(-cfg.Lookback()))
		if err != nil {
			log.WithError(err).Warn("journal prune failed")
		} else if pruned > 0 {
			log.Debugf("pruned %d journaled events", pruned)
		}
		journal = j
	}

	pool := relay.NewPool(relay.Options{
		DialTimeout:      cfg.DialTimeout(),
		PublishTimeout:   cfg.PublishTimeout(),
		SeenCacheSize:    cfg.SeenCacheSize,
		VerifySignatures: cfg.ShouldVerifySignatures(),
		ProxyURL:         cfg.ProxyURL,
	})
	defer pool.Close()

	svc := discovery.NewService(ctx, pool, discovery.Options{
		Relays:   cfg.Relays,
		Lookback: cfg.Lookback(),
		Codec:    codec.New(codec.WithNamespace(cfg.NamespaceTag)),
		Journal:  journal,
		Signer:   signer,
	})
	defer svc.Close()

	if _, err := svc.Replay(ctx); err != nil {
		log.WithError(err).Warn("journal replay failed")
	}

	srv := api.NewServer(cfg, svc, api.WithCatalog(catalog))

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err = config.Watch(ctx, configPath, srv.UpdateConfig); err != nil {
				log.WithError(err).Warn("config hot reload disabled")
			}
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(stopCtx)
}
