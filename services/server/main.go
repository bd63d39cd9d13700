package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/healthnote-storage/healthnote-relay/lib/config"
	lib_nostr "github.com/healthnote-storage/healthnote-relay/lib/handlers/nostr"
	"github.com/healthnote-storage/healthnote-relay/lib/handlers/nostr/filter"
	"github.com/healthnote-storage/healthnote-relay/lib/handlers/nostr/publish"
	"github.com/healthnote-storage/healthnote-relay/lib/logging"
	"github.com/healthnote-storage/healthnote-relay/lib/satellite"
	"github.com/healthnote-storage/healthnote-relay/lib/signing"
	stores_badgerhold "github.com/healthnote-storage/healthnote-relay/lib/stores/badgerhold"
	"github.com/healthnote-storage/healthnote-relay/lib/sweeper"
	"github.com/healthnote-storage/healthnote-relay/lib/transports/websocket"
)

var rebuildIndexes = flag.Bool("rebuild-indexes", false, "rebuild secondary indexes from primary event records before serving")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		log.Printf("Fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.InitConfig(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	if err := logging.InitLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Relay identity, used to sign reference events
	key := cfg.Relay.PrivateKey
	if key == "" {
		priv, err := signing.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("no private key configured and unable to generate one: %w", err)
		}
		serialized, err := signing.SerializePrivateKey(priv)
		if err != nil {
			return fmt.Errorf("unable to serialize generated private key: %w", err)
		}
		logging.Infof("Generated relay identity key: %s", *serialized)
		logging.Info("Set relay.private_key in config.yaml to keep this identity across restarts")
		key = *serialized
	}

	priv, _, err := signing.DeserializePrivateKey(key)
	if err != nil {
		return fmt.Errorf("invalid relay private key: %w", err)
	}
	relayPrivKeyHex := signing.PrivateKeyHex(priv)
	npub, err := signing.SerializePublicKey(priv.PubKey())
	if err != nil {
		return fmt.Errorf("unable to serialize relay public key: %w", err)
	}
	logging.Infof("Relay identity: %s (%s)", signing.PublicKeyHex(priv.PubKey()), *npub)

	// Event store
	store, err := stores_badgerhold.InitStore(config.GetPath("store"), cfg.Limits.DefaultQueryLimit, cfg.Limits.MaxQueryLimit)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Cleanup()

	if *rebuildIndexes {
		logging.Info("Rebuilding secondary indexes...")
		if err := store.RebuildIndexes(); err != nil {
			return fmt.Errorf("index rebuild failed: %w", err)
		}
	}

	// Satellite registry must be repopulated before any private event
	// can be routed
	registry := satellite.NewRegistry(store, time.Duration(cfg.Satellite.LivenessSeconds)*time.Second)
	if err := registry.Load(); err != nil {
		return fmt.Errorf("failed to load satellite registry: %w", err)
	}

	forwarder := satellite.NewForwarder(time.Duration(cfg.Satellite.ForwardRetryCeilingSeconds) * time.Second)
	forwarder.Start()

	expirySweeper := sweeper.New(store, time.Duration(cfg.Expiry.SweepIntervalSeconds)*time.Second)
	expirySweeper.Start()

	// Protocol command handlers
	lib_nostr.RegisterHandler("publish", publish.BuildPublishHandler(store, registry, forwarder, relayPrivKeyHex, websocket.BroadcastEvent))
	lib_nostr.RegisterHandler("filter", filter.BuildFilterHandler(store))

	websocket.StartNotificationProcessor()

	app := websocket.BuildServer(registry)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- websocket.StartServer(app)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		logging.Infof("Received %s, shutting down", sig)
	}

	var result error
	result = multierr.Append(result, app.Shutdown())
	websocket.StopNotificationProcessor()
	expirySweeper.Stop()
	forwarder.Stop()
	result = multierr.Append(result, store.Cleanup())

	if result != nil {
		logging.Warnf("Shutdown finished with errors: %v", result)
	} else {
		logging.Info("Shutdown complete")
	}
	return nil
}
