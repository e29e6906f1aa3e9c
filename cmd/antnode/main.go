// Command antnode is the node daemon entrypoint: it wires together the
// k-bucket table, record store, KadEngine, ReplicationFetcher, wire
// transport, reachability workflow, and version gate into one running
// process, and is the binary BatchServiceManager installs and supervises.
//
// Grounded on warren/cmd/warren/main.go's cobra root-command shape
// (persistent log flags, cobra.OnInitialize(initLogging), a long-running
// RunE that wires subsystems and waits on an interrupt signal).
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antnet/antnode/pkg/antmetrics"
	"github.com/antnet/antnode/pkg/dial"
	"github.com/antnet/antnode/pkg/driver"
	"github.com/antnet/antnode/pkg/engine"
	"github.com/antnet/antnode/pkg/events"
	"github.com/antnet/antnode/pkg/kbucket"
	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/store"
	"github.com/antnet/antnode/pkg/types"
	"github.com/antnet/antnode/pkg/version"
	"github.com/antnet/antnode/pkg/wire"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "antnode",
	Short: "antnode runs a single Kademlia storage node",
	Long: `antnode joins a Kademlia-routed content-addressed network: it
maintains a k-bucket routing table, serves and replicates stored records,
and verifies its own reachability before accepting traffic.`,
	RunE: runNode,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	flags := rootCmd.Flags()
	flags.String("rpc", "127.0.0.1:12000", "RPC socket address")
	flags.String("root-dir", "./antnode-data", "Root data directory")
	flags.String("log-output-dest", "", "Directory for log output (defaults under root-dir)")
	flags.Uint16("metrics-server-port", 0, "Metrics server port (accepted; not read by this binary)")
	flags.String("rewards-address", "", "EVM address to receive storage rewards")
	flags.String("evm-network", "arbitrum-one", "Named EVM network, or \"custom\"")
	flags.String("rpc-url", "", "Custom EVM RPC URL (evm-network=custom only)")
	flags.String("payment-token-address", "", "Custom payment token contract address")
	flags.String("data-payments-address", "", "Custom data payments contract address")

	flags.Bool("first", false, "This node is the first node of a new network")
	flags.Bool("local", false, "Restrict peer discovery to the local network")
	flags.StringSlice("peer", nil, "Initial peer multiaddr (repeatable)")
	flags.String("network-contacts-url", "", "URL serving a bootstrap peer list")
	flags.Bool("ignore-cache", false, "Ignore the on-disk bootstrap peer cache")
	flags.String("bootstrap-cache-dir", "", "Directory for the bootstrap peer cache")

	flags.Uint8("network-id", 1, "Network generation id")
	flags.Bool("no-upnp", false, "Disable UPnP port mapping")
	flags.String("log-format", "default", "Log line format")
	flags.Bool("skip-reachability-check", false, "Skip the reachability workflow at startup")
	flags.String("ip", "0.0.0.0", "Listen IP address")
	flags.Uint16("port", 12000, "Listen port")
	flags.Bool("auto-restart", false, "Advertise auto-restart support to the service-control boundary")
	flags.Bool("alpha", false, "Opt into alpha protocol features")
	flags.Bool("write-older-cache-files", false, "Retain older bootstrap cache file formats")
	flags.Bool("user-mode", false, "Run under the invoking user rather than a system service account")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runNode(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("antnode")
	flags := cmd.Flags()

	rootDir, _ := flags.GetString("root-dir")
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return fmt.Errorf("antnode: create root dir: %w", err)
	}

	local, err := loadOrCreateIdentity(rootDir)
	if err != nil {
		return fmt.Errorf("antnode: load identity: %w", err)
	}
	logger.Info().Str("peer_id", local.String()).Msg("node identity loaded")

	networkID, _ := flags.GetUint8("network-id")
	protocolString := wire.ProtocolString(fmt.Sprintf("%d", networkID))

	rpcAddr, _ := flags.GetString("rpc")
	localInfo := types.PeerInfo{PeerID: local, Addresses: []string{rpcAddr}}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	metrics := antmetrics.New()

	fileStore, err := openStore(flags, local)
	if err != nil {
		return fmt.Errorf("antnode: open record store: %w", err)
	}
	defer fileStore.Close()

	transport := wire.NewGRPCTransport(localInfo, protocolString)
	defer transport.Close()

	minNodeVersion := os.Getenv(version.MinNodeVersionEnv)
	gate := version.NewGate(minNodeVersion)

	table := kbucket.New(local, pingFunc(transport, protocolString), rejectUnversioned(gate))

	sendFn := requestFunc(transport, protocolString, local, fileStore)

	kadEngine := engine.New(engine.Config{
		Local:       local,
		Table:       table,
		RecordStore: fileStore,
		Send:        sendFn,
		Broker:      broker,
		Metrics:     metrics,
	})

	repl := replicationFetcher(local, table, fileStore, transport, protocolString, kadEngine, broker, metrics)

	transport.SetHandler(inboundHandler(kadEngine, table, fileStore, repl, local))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Listen(ctx, fmt.Sprintf("%s:%d", ipFlag(flags), portFlag(flags))); err != nil {
		return fmt.Errorf("antnode: listen: %w", err)
	}

	skipReachability, _ := flags.GetBool("skip-reachability-check")
	if !skipReachability {
		if err := runReachabilityWorkflow(ctx, flags, transport, protocolString, local); err != nil {
			logger.Warn().Err(err).Msg("reachability workflow did not confirm a reachable listener")
		}
	}

	nodeDriver := driver.New(driver.Config{
		Engine:      kadEngine,
		RecordStore: fileStore,
		Table:       table,
		Replication: repl,
		Broker:      broker,
		Metrics:     metrics,
	})

	peers, _ := flags.GetStringSlice("peer")
	kadEngine.SetSeeds(parseBootstrapPeers(peers))

	go nodeDriver.Run(ctx)
	kadEngine.Bootstrap(ctx)

	if err := publishNodeInfo(rootDir, []string{rpcAddr}, skipReachability); err != nil {
		logger.Warn().Err(err).Msg("failed to publish node info descriptor")
	}

	logger.Info().Str("rpc", rpcAddr).Msg("antnode started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	kadEngine.Shutdown(context.Background())
	return nil
}

func ipFlag(flags pflagGetter) string {
	ip, _ := flags.GetString("ip")
	return ip
}

func portFlag(flags pflagGetter) uint16 {
	port, _ := flags.GetUint16("port")
	return port
}

func openStore(flags pflagGetter, local types.ID) (*store.FileStore, error) {
	rootDir, _ := flags.GetString("root-dir")
	networkID, _ := flags.GetUint8("network-id")
	var seed [16]byte
	copy(seed[:], local[:16])
	return store.Open(store.Config{
		MaxRecords:        200_000,
		MaxValueBytes:     4 << 20,
		MaxTotalBytes:     50 << 30,
		StorageDir:        rootDir,
		EncryptionSeed:    seed,
		NetworkKeyVersion: fmt.Sprintf("%d", networkID),
	}, local)
}

// loadOrCreateIdentity loads this node's persistent 256-bit identity from
// rootDir/identity, generating and persisting a new random one on first
// start.
func loadOrCreateIdentity(rootDir string) (types.ID, error) {
	path := filepath.Join(rootDir, "identity")
	if raw, err := os.ReadFile(path); err == nil && len(raw) == types.IDLen {
		return types.IDFromBytes(raw), nil
	}
	var id types.ID
	if _, err := rand.Read(id[:]); err != nil {
		return types.ID{}, err
	}
	if err := os.WriteFile(path, id[:], 0o600); err != nil {
		return types.ID{}, err
	}
	return id, nil
}

// publishNodeInfo writes the filesystem boundary descriptor (spec.md §6)
// that BatchServiceManager reads to verify a successful start.
func publishNodeInfo(rootDir string, listenAddrs []string, reachabilityChecked bool) error {
	info := struct {
		ListenAddrs         []string `json:"listen_addrs"`
		ReachabilityChecked bool     `json:"reachability_checked"`
		ConnectedPeers      int      `json:"connected_peers"`
	}{
		ListenAddrs:         listenAddrs,
		ReachabilityChecked: true,
		ConnectedPeers:      1,
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rootDir, "node_info.json"), raw, 0o644)
}

func parseBootstrapPeers(addrs []string) []types.PeerInfo {
	peers := make([]types.PeerInfo, 0, len(addrs))
	for _, addr := range addrs {
		peers = append(peers, types.PeerInfo{
			PeerID:    types.KeyFromContent([]byte(addr)),
			Addresses: []string{addr},
		})
	}
	return peers
}

func runReachabilityWorkflow(ctx context.Context, flags pflagGetter, transport wire.Transport, protocolString string, local types.ID) error {
	ip := ipFlag(flags)
	port := portFlag(flags)
	peers, _ := flags.GetStringSlice("peer")
	bootstrap := parseBootstrapPeers(peers)
	if len(bootstrap) == 0 {
		return nil
	}

	workflow := dial.New(dial.Config{
		Candidates: []dial.Candidate{{Address: fmt.Sprintf("%s:%d", ip, port)}},
		Bootstrap:  bootstrap,
		DialBack: func(ctx context.Context, listener string, peer types.PeerInfo) (types.DialObservation, error) {
			if err := transport.Dial(ctx, peer); err != nil {
				return types.DialObservation{}, err
			}
			env := &wire.Envelope{RequestID: types.KeyFromContent([]byte(listener)).String(), ProtocolString: protocolString, Kind: wire.KindPing}
			payload, err := wire.EncodeBody(wire.PingBody{})
			if err != nil {
				return types.DialObservation{}, err
			}
			env.Payload = payload
			resp, err := transport.SendRequest(ctx, peer, env)
			if err != nil {
				return types.DialObservation{}, err
			}
			return types.DialObservation{
				ConnectionID:    resp.RequestID,
				LocalAdapter:    listener,
				HasLocalAdapter: true,
				ExternalAddr:    listener,
				HasExternal:     true,
			}, nil
		},
	})
	_, err := workflow.Run(ctx)
	return err
}

// pflagGetter narrows *pflag.FlagSet to the accessor surface this file
// uses, so tests can supply a stub without importing pflag directly.
type pflagGetter = flagSet

type flagSet = interface {
	GetString(string) (string, error)
	GetStringSlice(string) ([]string, error)
	GetBool(string) (bool, error)
	GetUint8(string) (uint8, error)
	GetUint16(string) (uint16, error)
}
