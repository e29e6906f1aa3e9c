package types

import "time"

// ReachabilityFailure enumerates why a dial-back attempt against a
// candidate listener failed to establish reachability.
type ReachabilityFailure int

const (
	NoOutboundConnection ReachabilityFailure = iota
	NoDialBacks
	NotEnoughDialBacks
	MultipleExternalAddresses
	MultipleLocalAdapterAddresses
	UnspecifiedExternalAddress
	UnspecifiedLocalAdapterAddress
	LocalAdapterPortZero
)

func (f ReachabilityFailure) String() string {
	switch f {
	case NoOutboundConnection:
		return "no_outbound_connection"
	case NoDialBacks:
		return "no_dial_backs"
	case NotEnoughDialBacks:
		return "not_enough_dial_backs"
	case MultipleExternalAddresses:
		return "multiple_external_addresses"
	case MultipleLocalAdapterAddresses:
		return "multiple_local_adapter_addresses"
	case UnspecifiedExternalAddress:
		return "unspecified_external_address"
	case UnspecifiedLocalAdapterAddress:
		return "unspecified_local_adapter_address"
	case LocalAdapterPortZero:
		return "local_adapter_port_zero"
	default:
		return "unknown"
	}
}

// Retryable reports whether this failure reason permits another attempt on
// the same listener, as opposed to advancing to the next candidate.
func (f ReachabilityFailure) Retryable() bool {
	switch f {
	case NoDialBacks, NotEnoughDialBacks, MultipleLocalAdapterAddresses:
		return true
	default:
		return false
	}
}

// DialObservation is what a single dial-back connection told us: which
// local adapter it went out on, and which external address the remote
// peer observed us at via identify.
type DialObservation struct {
	ConnectionID   string
	LocalAdapter   string
	ExternalAddr   string
	HasLocalAdapter bool
	HasExternal     bool
}

// ReachabilityAttempt tracks one workflow attempt against one listener.
type ReachabilityAttempt struct {
	ListenerIndex   int
	AttemptNumber   int
	DialTargets     []string
	Observations    map[string]*DialObservation // keyed by ConnectionID
	ListenerFailure map[int]ReachabilityFailure
}

// InitialPeersConfig is the bootstrap configuration retained verbatim
// across a BatchServiceManager upgrade.
type InitialPeersConfig struct {
	First              bool
	Local              bool
	Addrs              []string
	NetworkContactsURL string
	IgnoreCache        bool
	BootstrapCacheDir  string
}

// EVMNetwork describes the on-chain network a node's reward address and
// payment verification are scoped to. Only the Custom-network fields are
// part of the retention invariant; named networks (e.g. "arbitrum-one")
// need no extra fields.
type EVMNetwork struct {
	Name             string
	Custom           bool
	RPCURL           string
	PaymentTokenAddr string
	DataPaymentsAddr string
}

// ServiceStatus is a batch-managed node's lifecycle state.
type ServiceStatus int

const (
	ServiceAdded ServiceStatus = iota
	ServiceRunning
	ServiceStopped
	ServiceRemoved
)

func (s ServiceStatus) String() string {
	switch s {
	case ServiceAdded:
		return "added"
	case ServiceRunning:
		return "running"
	case ServiceStopped:
		return "stopped"
	case ServiceRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// NodeServiceData is the durable, per-node configuration BatchServiceManager
// owns. Every field tagged "retain" below is part of the upgrade retention
// invariant (SPEC_FULL §4.8): upgrade must carry it forward byte-for-byte.
type NodeServiceData struct {
	ServiceName string `yaml:"service_name"`
	PeerID      ID     `yaml:"peer_id"`

	InitialPeersConfig   InitialPeersConfig `yaml:"initial_peers_config"`   // retain
	NetworkID            *uint8             `yaml:"network_id"`             // retain
	NoUPnP               bool               `yaml:"no_upnp"`                // retain
	LogFormat            string             `yaml:"log_format"`             // retain
	SkipReachabilityCheck bool              `yaml:"skip_reachability_check"` // retain
	NodeIP               string             `yaml:"node_ip"`                // retain
	NodePort             uint16             `yaml:"node_port"`              // retain
	MaxLogFiles          int                `yaml:"max_log_files"`          // retain
	MaxArchivedLogFiles  int                `yaml:"max_archived_log_files"` // retain
	MetricsPort          *uint16            `yaml:"metrics_port,omitempty"` // retain when set
	RPCSocketAddr        string             `yaml:"rpc_socket_addr"`        // retain
	AutoRestart          bool               `yaml:"auto_restart"`           // retain
	EVMNetwork           EVMNetwork         `yaml:"evm_network"`             // retain
	RewardsAddress       string             `yaml:"rewards_address"`        // retain
	Alpha                bool               `yaml:"alpha"`                  // retain
	WriteOlderCacheFiles bool               `yaml:"write_older_cache_files"` // retain
	UserMode             bool               `yaml:"user_mode"`              // retain

	DataDir     string `yaml:"data_dir"`
	LogDir      string `yaml:"log_dir"`
	BinaryPath  string `yaml:"binary_path"`

	Version string        `yaml:"version"`
	PID     int           `yaml:"pid"`
	Status  ServiceStatus `yaml:"status"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Snapshot returns a deep-enough copy of the fields the retention invariant
// covers, captured before an upgrade begins.
func (d *NodeServiceData) Snapshot() NodeServiceData {
	cp := *d
	cp.InitialPeersConfig.Addrs = append([]string(nil), d.InitialPeersConfig.Addrs...)
	if d.NetworkID != nil {
		v := *d.NetworkID
		cp.NetworkID = &v
	}
	if d.MetricsPort != nil {
		v := *d.MetricsPort
		cp.MetricsPort = &v
	}
	return cp
}
