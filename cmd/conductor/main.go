// Command conductor wires the fleet execution engine's packages together:
// Config, Store, remote.Registry, credential.Resolver, resilience.Policy,
// engine.Orchestrator, audit/notify sinks, and the Job Lifecycle API. It has
// no HTTP surface of its own — that belongs to the caller embedding this
// module (§0).
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/fleetconductor/conductor/audit"
	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/credential"
	"github.com/fleetconductor/conductor/engine"
	"github.com/fleetconductor/conductor/lifecycle"
	"github.com/fleetconductor/conductor/notify"
	"github.com/fleetconductor/conductor/remote"
	"github.com/fleetconductor/conductor/resilience"
	"github.com/fleetconductor/conductor/serial"
	"github.com/fleetconductor/conductor/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	storeDriver := flag.String("store", "memory", "job store backend: memory or postgres")
	aesKeyEnv := flag.String("aes-key-env", "CONDUCTOR_AES_KEY", "env var holding the 32-byte AES key for the reference decryptor")
	notifyChannel := flag.String("notify-channel", "fleet.executions", "redis pub/sub channel for execution lifecycle events")
	flag.Parse()

	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("conductor: invalid configuration: %v", err)
	}
	logger := cfg.Logger()

	db, err := buildStore(*storeDriver, cfg)
	if err != nil {
		log.Fatalf("conductor: %v", err)
	}

	decryptor, err := buildDecryptor(*aesKeyEnv)
	if err != nil {
		log.Fatalf("conductor: %v", err)
	}

	registry := remote.NewRegistry()
	registry.Register("ssh", remote.NewSSHExecutor())
	registry.Register("winrm", remote.NewWinRMExecutor())

	resolver := credential.New(decryptor)
	policy := resilience.NewPolicy(cfg)
	allocator := serial.NewInMemoryAllocator()

	orchestrator := &engine.Orchestrator{
		Targets:              db,
		Branches:             db,
		Executions:           db,
		Allocator:            allocator,
		Logger:               logger,
		MaxConcurrentTargets: cfg.MaxConcurrentTargets,
		NewBranchExecutor: func() *engine.BranchExecutor {
			return &engine.BranchExecutor{
				Resolver:          resolver,
				Registry:          registry,
				Logger:            logger,
				ConnectionTimeout: cfg.ConnectionTimeout,
				CommandTimeout:    cfg.CommandTimeout,
				Policy:            policy,
			}
		},
	}

	api := &lifecycle.API{
		Store:        db,
		Orchestrator: orchestrator,
		Policy:       lifecycle.OwnerOrAdminPolicy{},
		Audit:        audit.NewLoggingSink(logger),
		Notify:       buildNotifySink(cfg, *notifyChannel, logger),
		Logger:       logger,
	}

	_ = api
	logger.Info("conductor ready", map[string]interface{}{"store": *storeDriver})
}

func buildStore(driver string, cfg *core.Config) (store.Store, error) {
	switch driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.Open(cfg.Store)
	default:
		log.Printf("conductor: unknown --store %q, falling back to memory", driver)
		return store.NewMemoryStore(), nil
	}
}

func buildDecryptor(keyEnvVar string) (credential.Decryptor, error) {
	key := os.Getenv(keyEnvVar)
	if key == "" {
		return nil, &missingKeyError{envVar: keyEnvVar}
	}
	return credential.NewAESDecryptor([]byte(key)), nil
}

type missingKeyError struct{ envVar string }

func (e *missingKeyError) Error() string {
	return "no AES key found in $" + e.envVar
}

func buildNotifySink(cfg *core.Config, channel string, logger core.Logger) notify.Sink {
	if cfg.Store.DSN == "" {
		return notify.NoOpSink{}
	}
	client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDR")})
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("conductor: redis unavailable, notifications disabled", map[string]interface{}{"error": err.Error()})
		return notify.NoOpSink{}
	}
	return notify.NewRedisSink(client, channel, logger)
}
