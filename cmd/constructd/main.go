// Command constructd is the homeserver binary: it loads configuration
// (internal/config), wires the event store, state tree, VM, federation
// client, and federation HTTP server together, and serves the Matrix
// federation surface until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/construct-io/constructd/internal/config"
	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/eventdb"
	"github.com/construct-io/constructd/internal/eventdb/memdb"
	"github.com/construct-io/constructd/internal/federation/client"
	fedserver "github.com/construct-io/constructd/internal/federation/server"
	"github.com/construct-io/constructd/internal/logging"
	"github.com/construct-io/constructd/internal/rfc1035"
	"github.com/construct-io/constructd/internal/sigs"
	"github.com/construct-io/constructd/internal/vm"
)

// roomFanout adapts a federation client plus a room view into vm.Fanout,
// kept here rather than in internal/federation/client so that package does
// not depend on internal/vm for what is pure wiring glue.
type roomFanout struct {
	client *client.Client
	rooms  *vm.DefaultRoomView
}

func (f *roomFanout) SendToOrigins(ctx context.Context, roomID string, e *event.Event) error {
	origins, err := f.rooms.Origins(roomID)
	if err != nil {
		return err
	}
	for _, dest := range origins {
		if dest == e.Origin {
			continue
		}
		if serr := f.client.Send(ctx, dest, []*event.Event{e}); serr != nil {
			return serr
		}
	}
	return nil
}

// loadSigningKey reads the server's Ed25519 seed (unpadded base64) from
// path, or generates an ephemeral key pair when no path is configured.
func loadSigningKey(path string) (*sigs.KeyPair, error) {
	if path == "" {
		return sigs.GenerateKeyPair("ed25519:1")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	seed, err := sigs.DecodeB64Unpadded(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, err
	}
	return sigs.FromSeed("ed25519:1", seed)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "constructd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen     string
		dataDir    string
		configFile string
	)
	flag.StringVar(&listen, "listen", "", "override the configured listen address")
	flag.StringVar(&dataDir, "data-dir", "", "override the configured data directory")
	flag.StringVar(&configFile, "config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logCfg := logging.DefaultConfig()
	logCfg.Filespec = cfg.LogFilespec
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	logger.LogInfo("constructd starting", "server_name", cfg.ServerName, "listen", cfg.Listen)

	signingKey, err := loadSigningKey(cfg.SigningKey)
	if err != nil {
		return err
	}

	db := memdb.New()
	store := eventdb.Open(db)
	rooms := vm.NewDefaultRoomView(store, db)

	resolver, err := rfc1035.NewResolver(rfc1035.ResolverConfig{
		Servers:   cfg.DNSUpstreams,
		Timeout:   cfg.DNSResolverTimeout,
		RetryMax:  cfg.DNSResolverRetryMax,
		SendRate:  50,
		SendBurst: 50,
	})
	if err != nil {
		return err
	}
	discovery := client.NewServerDiscovery(client.NewNoopLogger(), resolver)
	fedClient := client.NewClient(cfg.ServerName, signingKey, discovery, client.NewNoopLogger())
	keyCache := client.NewKeyCache(fedClient)

	machine := &vm.VM{
		Store:      store,
		Rooms:      rooms,
		Keys:       keyCache,
		Fanout:     &roomFanout{client: fedClient, rooms: rooms},
		LocalHost:  cfg.ServerName,
		SigningKey: signingKey,
	}
	backfiller := vm.NewBackfiller(machine, fedClient)

	srvCfg := fedserver.DefaultConfig(cfg.ServerName)
	srvCfg.PayloadMax = cfg.ResourcePayloadMax
	srvCfg.DefaultTimeout = cfg.ResourceRequestTimeout
	httpServer := fedserver.New(srvCfg, store, machine, rooms, backfiller, keyCache, signingKey, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.LogInfo("federation server listening", "addr", cfg.Listen)
	if err := httpServer.ListenAndServe(ctx, cfg.Listen); err != nil {
		logger.LogError("federation server stopped", "error", err)
		return err
	}
	return nil
}
