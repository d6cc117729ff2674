// Package main is the entry point of the ACL syncer. It merges the access
// control documents from the object store and reconciles the broker's
// dynamic-security state and the store's canned policies against them.
//
// Broker and store are reconciled independently. The exit code is a
// bitmask: bit 0 set means the broker sync failed, bit 1 the store sync.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/seguro-projekt/platform/internal/acl"
	"github.com/seguro-projekt/platform/internal/broker"
	"github.com/seguro-projekt/platform/internal/config"
	"github.com/seguro-projekt/platform/internal/store"
	"github.com/seguro-projekt/platform/pkg/logger"
)

const (
	exitBrokerFailed = 1 << 0
	exitStoreFailed  = 1 << 1
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := store.NewClient(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to object store")
	}

	merged, err := acl.Load(ctx, st, cfg.ACLPrefix, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load ACL documents")
	}

	log.Info().
		Int("clients", len(merged.Clients)).
		Int("groups", len(merged.Groups)).
		Int("roles", len(merged.Roles)).
		Msg("Loaded access control state")

	code := 0

	if err := syncBroker(cfg, merged, log); err != nil {
		log.Error().Err(err).Msg("Broker reconciliation failed")
		code |= exitBrokerFailed
	}

	if err := syncStore(ctx, cfg, merged, log); err != nil {
		log.Error().Err(err).Msg("Store reconciliation failed")
		code |= exitStoreFailed
	}

	os.Exit(code)
}

func syncBroker(cfg *config.Config, merged *acl.AccessControlList, log zerolog.Logger) error {
	client, err := broker.NewClient(cfg, "acl-syncer", log)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := acl.SetDefaultAccess(client, false, log); err != nil {
		return err
	}

	return acl.SyncBroker(merged, client, acl.IgnoredPrincipals, log)
}

func syncStore(ctx context.Context, cfg *config.Config, merged *acl.AccessControlList, log zerolog.Logger) error {
	admin, err := store.NewAdminClient(cfg)
	if err != nil {
		return err
	}

	return acl.SyncStore(ctx, merged, admin, acl.IgnoredPrincipals, log)
}
