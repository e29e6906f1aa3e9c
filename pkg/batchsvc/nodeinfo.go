package batchsvc

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// nodeInfoFile is the small descriptor a running node publishes under
// its data dir (spec.md §6's "filesystem boundary for node info"),
// enumerating its listening addresses so BatchServiceManager can verify
// a successful start without dialing the node itself.
const nodeInfoFile = "node_info.json"

// NodeInfo is the descriptor read from nodeInfoFile.
type NodeInfo struct {
	ListenAddrs        []string `json:"listen_addrs"`
	ReachabilityChecked bool    `json:"reachability_checked"`
	ConnectedPeers     int      `json:"connected_peers"`
}

var errNodeInfoNotReady = errors.New("batchsvc: node info descriptor not yet published")

func readNodeInfo(dataDir string) (*NodeInfo, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, nodeInfoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNodeInfoNotReady
		}
		return nil, err
	}
	var info NodeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	if len(info.ListenAddrs) == 0 {
		return nil, errNodeInfoNotReady
	}
	return &info, nil
}

// binaryVersion is a best-effort version tag for a freshly installed or
// upgraded binary. The real service-control boundary has no generic way
// to ask an arbitrary executable for its version without running it, so
// callers that know the intended target version should prefer recording
// that directly; this is used only when Add is called without one. The tag
// is 0.0.0 with the binary's modification time as semver build metadata,
// so compareVersions orders it below every released version.
func binaryVersion(programPath string) string {
	info, err := os.Stat(programPath)
	if err != nil {
		return ""
	}
	return "0.0.0+" + info.ModTime().UTC().Format("20060102150405")
}
