// agencyd runs one agency peer: consensus engine, client HTTP surface,
// compaction worker and supervision loop in a single process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arangodb/agency/pkg/agent"
	"github.com/arangodb/agency/pkg/api"
	"github.com/arangodb/agency/pkg/cluster"
	"github.com/arangodb/agency/pkg/compactor"
	"github.com/arangodb/agency/pkg/inception"
	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/supervision"
	"github.com/arangodb/agency/pkg/transport/grpcpeer"
)

var (
	flagID         string
	flagBind       string
	flagClientBind string
	flagDataDir    string
	flagSeeds      []string
	flagPoolSize   int
	flagStepSize   uint64
	flagKeepSize   uint64
	flagSupervise  bool
)

func main() {
	root := &cobra.Command{
		Use:   "agencyd",
		Short: "Replicated configuration and coordination store",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run one agency peer",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagID, "id", "", "stable node id (generated and persisted if empty)")
	serve.Flags().StringVar(&flagBind, "bind", "127.0.0.1:8529", "peer RPC listen address")
	serve.Flags().StringVar(&flagClientBind, "client-bind", "127.0.0.1:8530", "client HTTP listen address")
	serve.Flags().StringVar(&flagDataDir, "data-dir", "./agency-data", "durable state directory")
	serve.Flags().StringSliceVar(&flagSeeds, "seed", nil, "seed peer as id=endpoint, repeatable")
	serve.Flags().IntVar(&flagPoolSize, "pool-size", 1, "expected pool size for gossip bootstrap")
	serve.Flags().Uint64Var(&flagStepSize, "compaction-step-size", 1000, "entries between snapshots")
	serve.Flags().Uint64Var(&flagKeepSize, "compaction-keep-size", 100, "entries kept behind the snapshot cutoff")
	serve.Flags().BoolVar(&flagSupervise, "supervision", true, "run the supervision loop on the leader")
	root.AddCommand(serve)

	var snapDataDir string
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the stored snapshot of a peer's data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			persist, err := logstore.Open(filepath.Join(snapDataDir, "agency.db"))
			if err != nil {
				return err
			}
			defer persist.Close()
			snap, found, err := persist.LoadSnapshot()
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("no snapshot stored")
				return nil
			}
			fmt.Printf("last included index: %d\nlast included term:  %d\npayload bytes:       %d\n",
				snap.Metadata.LastIncludedIndex, snap.Metadata.LastIncludedTerm, len(snap.Data))
			return nil
		},
	}
	snapshot.Flags().StringVar(&snapDataDir, "data-dir", "./agency-data", "durable state directory")
	root.AddCommand(snapshot)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := os.MkdirAll(flagDataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	nodeID, err := loadOrCreateNodeID(flagDataDir, flagID)
	if err != nil {
		return err
	}
	log = log.With().Str("node_id", nodeID).Logger()

	persist, err := logstore.Open(filepath.Join(flagDataDir, "agency.db"))
	if err != nil {
		return err
	}
	defer persist.Close()

	seeds, err := parseSeeds(flagSeeds)
	if err != nil {
		return err
	}

	mgr := cluster.NewManager()
	cfg := agent.DefaultConfig(nodeID)
	cfg.Peers = seeds
	cfg.DataDir = flagDataDir
	cfg.CompactionStepSize = flagStepSize
	cfg.CompactionKeepSize = flagKeepSize

	peers := grpcpeer.NewClient(func(peerID string) (string, bool) {
		if p, ok := mgr.GetPeer(peerID); ok {
			return p.Endpoint, true
		}
		if ep, ok := seeds[peerID]; ok {
			return ep, true
		}
		return "", false
	}, log)
	defer peers.Close()

	a := agent.New(cfg, persist, mgr, peers, log)

	boot := inception.New(inception.Config{
		NodeID:         nodeID,
		Endpoint:       flagBind,
		Seeds:          seeds,
		PoolSize:       flagPoolSize,
		GossipInterval: 250 * time.Millisecond,
		Timeout:        30 * time.Second,
	}, peers, mgr, log)

	server, err := grpcpeer.NewServer(flagBind, a, boot, log)
	if err != nil {
		return err
	}
	defer server.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := boot.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	// From here on, gossip from late joiners is redirected to whoever
	// holds leadership rather than merged into a pool that is already
	// fixed.
	boot.SetLeaderHint(func() (string, string) {
		id := a.LeaderHint()
		if id == "" {
			return "", ""
		}
		if p, ok := mgr.GetPeer(id); ok {
			return id, p.Endpoint
		}
		return "", ""
	})

	comp := compactor.New(a, persist, cfg.CompactionStepSize, cfg.CompactionKeepSize, 5*time.Second, log)
	go comp.Run(ctx)

	if flagSupervise {
		loop := supervision.NewLoop(supervision.DefaultConfig(), a, log)
		go loop.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:    flagClientBind,
		Handler: api.NewHTTPHandler(a, log),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("client http server stopped")
		}
	}()
	defer httpSrv.Close()

	log.Info().
		Str("peer_bind", flagBind).
		Str("client_bind", flagClientBind).
		Msg("agency peer running")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// loadOrCreateNodeID keeps the node's identity stable across restarts:
// an explicit --id wins, otherwise the persisted id is reused, and a
// fresh install mints a UUID and writes it down.
func loadOrCreateNodeID(dataDir, explicit string) (string, error) {
	idPath := filepath.Join(dataDir, "node-id")
	if explicit != "" {
		return explicit, os.WriteFile(idPath, []byte(explicit), 0o644)
	}
	if data, err := os.ReadFile(idPath); err == nil && len(data) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	id := uuid.NewString()
	return id, os.WriteFile(idPath, []byte(id), 0o644)
}

func parseSeeds(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, s := range raw {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --seed %q, want id=endpoint", s)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}
