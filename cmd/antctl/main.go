// Command antctl is the operator CLI surface over BatchServiceManager
// (spec.md §4.8, §6): add/start/stop/upgrade/remove map one-to-one onto
// Manager operations, and status emits a stable JSON shape.
//
// Grounded on warren/cmd/warren/main.go's cobra root-command shape
// (persistent log flags, a service subcommand group with create/list/
// inspect/delete) but narrowed to the one batch-lifecycle surface the
// core spec actually defines; warren's cluster/worker/secret/volume/
// ingress/certificate command groups have no BatchServiceManager
// equivalent and are not carried forward (see DESIGN.md).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antnet/antnode/pkg/batchsvc"
	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/types"
)

// Exit codes the operator CLI surface promises are stable (spec.md §6).
const (
	exitOK      = 0
	exitIOError = 1
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitIOError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "antctl",
	Short: "antctl manages a batch of co-located antnode services",
	Long: `antctl is the operator surface over BatchServiceManager: it adds,
starts, stops, upgrades, and removes a set of co-located antnode
processes, preserving each node's durable configuration across binary
replacement.`,
}

var baseDirFlag string

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "./antctl-data", "Directory holding the services database and pidfiles")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(addCmd, startCmd, stopCmd, removeCmd, upgradeCmd, statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func openManager() (*batchsvc.Manager, error) {
	if err := os.MkdirAll(baseDirFlag, 0o755); err != nil {
		return nil, err
	}
	return batchsvc.New(baseDirFlag, batchsvc.NewOSServiceControl(baseDirFlag))
}

// selectionFromFlags builds a Selection from --name and --peer-id flags
// (spec.md §4.8 "explicit selection by name or peer id"); an empty
// selection means "every managed service".
func selectionFromFlags(cmd *cobra.Command) (batchsvc.Selection, error) {
	names, _ := cmd.Flags().GetStringSlice("name")
	rawIDs, _ := cmd.Flags().GetStringSlice("peer-id")
	sel := batchsvc.Selection{Names: names}
	for _, raw := range rawIDs {
		id, err := types.ParseID(raw)
		if err != nil {
			return sel, fmt.Errorf("antctl: invalid --peer-id %q: %w", raw, err)
		}
		sel.PeerIDs = append(sel.PeerIDs, id)
	}
	return sel, nil
}

func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("name", nil, "Service name to select (repeatable, default: all)")
	cmd.Flags().StringSlice("peer-id", nil, "Peer id to select (repeatable, hex, default: all)")
}

func printResult(result batchsvc.BatchResult) error {
	type resultJSON struct {
		Succeeded []string          `json:"succeeded"`
		NoOp      []string          `json:"noop"`
		Errors    map[string]string `json:"errors"`
	}
	out := resultJSON{Succeeded: result.Succeeded, NoOp: result.NoOp, Errors: make(map[string]string, len(result.Errors))}
	for name, err := range result.Errors {
		out.Errors[name] = err.Error()
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	if len(result.Errors) > 0 {
		return fmt.Errorf("antctl: %d of %d selected services failed", len(result.Errors), len(result.Succeeded)+len(result.Errors)+len(result.NoOp))
	}
	return nil
}

var addCmd = &cobra.Command{
	Use:   "add NAME BINARY",
	Short: "Register a new managed antnode service",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()

		name, binary := args[0], args[1]
		data, err := serviceDataFromFlags(cmd, name)
		if err != nil {
			return err
		}
		if err := m.Add(binary, data); err != nil {
			return err
		}
		fmt.Printf("added %q\n", name)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start selected managed services",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()
		sel, err := selectionFromFlags(cmd)
		if err != nil {
			return err
		}
		return printResult(m.Start(sel))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop selected managed services",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()
		sel, err := selectionFromFlags(cmd)
		if err != nil {
			return err
		}
		return printResult(m.Stop(sel))
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Uninstall and forget selected managed services",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()
		sel, err := selectionFromFlags(cmd)
		if err != nil {
			return err
		}
		return printResult(m.Remove(sel))
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade selected managed services to a target binary and version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()
		sel, err := selectionFromFlags(cmd)
		if err != nil {
			return err
		}
		targetVersion, _ := cmd.Flags().GetString("target-version")
		targetBinary, _ := cmd.Flags().GetString("target-binary")
		force, _ := cmd.Flags().GetBool("force")
		start, _ := cmd.Flags().GetBool("start")
		if targetVersion == "" || targetBinary == "" {
			return fmt.Errorf("antctl: --target-version and --target-binary are required")
		}
		return printResult(m.Upgrade(sel, batchsvc.UpgradeOptions{
			TargetVersion: targetVersion,
			TargetBinary:  targetBinary,
			Force:         force,
			StartService:  start,
		}))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the JSON status of selected managed services",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		if !asJSON {
			return fmt.Errorf("antctl: status currently only supports --json")
		}
		m, err := openManager()
		if err != nil {
			return err
		}
		defer m.Close()
		sel, err := selectionFromFlags(cmd)
		if err != nil {
			return err
		}
		services, err := m.Describe(sel)
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(services, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

func init() {
	addSelectionFlags(startCmd)
	addSelectionFlags(stopCmd)
	addSelectionFlags(removeCmd)
	addSelectionFlags(upgradeCmd)
	addSelectionFlags(statusCmd)
	statusCmd.Flags().Bool("json", false, "Emit status as JSON (the only supported mode)")

	upgradeCmd.Flags().String("target-version", "", "Version string to record after a successful upgrade")
	upgradeCmd.Flags().String("target-binary", "", "Path to the replacement binary")
	upgradeCmd.Flags().Bool("force", false, "Upgrade even if target-version is older than the current version")
	upgradeCmd.Flags().Bool("start", true, "Start the service after replacing its binary")

	addCmd.Flags().String("rpc", "127.0.0.1:12000", "RPC socket address")
	addCmd.Flags().String("data-dir", "", "Data directory (defaults to base-dir/NAME/data)")
	addCmd.Flags().String("log-dir", "", "Log directory (defaults to base-dir/NAME/logs)")
	addCmd.Flags().Uint16("metrics-port", 0, "Metrics port (0 = unset, allocated on first upgrade)")
	addCmd.Flags().String("rewards-address", "", "EVM address to receive storage rewards")
	addCmd.Flags().String("evm-network", "arbitrum-one", "Named EVM network, or \"custom\"")
	addCmd.Flags().String("rpc-url", "", "Custom EVM RPC URL (evm-network=custom only)")
	addCmd.Flags().String("payment-token-address", "", "Custom payment token contract address")
	addCmd.Flags().String("data-payments-address", "", "Custom data payments contract address")
	addCmd.Flags().Bool("first", false, "This node is the first node of a new network")
	addCmd.Flags().Bool("local", false, "Restrict peer discovery to the local network")
	addCmd.Flags().StringSlice("peer", nil, "Initial peer multiaddr (repeatable)")
	addCmd.Flags().Uint8("network-id", 1, "Network generation id")
	addCmd.Flags().Bool("no-upnp", false, "Disable UPnP port mapping")
	addCmd.Flags().Bool("auto-restart", false, "Autostart this service under the control boundary")
	addCmd.Flags().Bool("alpha", false, "Opt into alpha protocol features")
	addCmd.Flags().Bool("user-mode", false, "Run under the invoking user rather than a system service account")
}

func serviceDataFromFlags(cmd *cobra.Command, name string) (types.NodeServiceData, error) {
	flags := cmd.Flags()
	dataDir, _ := flags.GetString("data-dir")
	if dataDir == "" {
		dataDir = strings.Join([]string{baseDirFlag, name, "data"}, string(os.PathSeparator))
	}
	logDir, _ := flags.GetString("log-dir")
	if logDir == "" {
		logDir = strings.Join([]string{baseDirFlag, name, "logs"}, string(os.PathSeparator))
	}
	metricsPort, _ := flags.GetUint16("metrics-port")
	var metricsPortPtr *uint16
	if metricsPort != 0 {
		metricsPortPtr = &metricsPort
	}
	networkID, _ := flags.GetUint8("network-id")
	peers, _ := flags.GetStringSlice("peer")
	first, _ := flags.GetBool("first")
	local, _ := flags.GetBool("local")
	rpcAddr, _ := flags.GetString("rpc")
	rewards, _ := flags.GetString("rewards-address")
	evmNetwork, _ := flags.GetString("evm-network")
	rpcURL, _ := flags.GetString("rpc-url")
	tokenAddr, _ := flags.GetString("payment-token-address")
	paymentsAddr, _ := flags.GetString("data-payments-address")
	noUPnP, _ := flags.GetBool("no-upnp")
	autoRestart, _ := flags.GetBool("auto-restart")
	alpha, _ := flags.GetBool("alpha")
	userMode, _ := flags.GetBool("user-mode")

	return types.NodeServiceData{
		ServiceName: name,
		PeerID:      types.IDFromBytes([]byte(name + "-" + strconv.FormatInt(int64(networkID), 10))),
		InitialPeersConfig: types.InitialPeersConfig{
			First: first,
			Local: local,
			Addrs: peers,
		},
		NetworkID:      &networkID,
		NoUPnP:         noUPnP,
		RPCSocketAddr:  rpcAddr,
		MetricsPort:    metricsPortPtr,
		AutoRestart:    autoRestart,
		Alpha:          alpha,
		UserMode:       userMode,
		RewardsAddress: rewards,
		EVMNetwork: types.EVMNetwork{
			Name:             evmNetwork,
			Custom:           evmNetwork == "custom",
			RPCURL:           rpcURL,
			PaymentTokenAddr: tokenAddr,
			DataPaymentsAddr: paymentsAddr,
		},
		DataDir: dataDir,
		LogDir:  logDir,
	}, nil
}
