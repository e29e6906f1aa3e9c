// Package version implements VersionGate: parsing and enforcement of the
// libp2p-identify-style agent string exchanged during peer handshake
// (spec.md §4.9).
//
// No example repo in the retrieved pack carries a semver comparator — this
// is the one component grounded directly on an ecosystem library rather
// than teacher code, per SPEC_FULL's package table ("new; uses
// golang.org/x/mod/semver").
package version

import (
	"os"
	"strings"

	"golang.org/x/mod/semver"
)

// Role is the peer kind advertised in an agent string.
type Role string

const (
	RoleNode              Role = "node"
	RoleClient            Role = "client"
	RoleReachabilityCheck Role = "reachability-check-peer"
	RoleUnknown           Role = "unknown"
)

// DefaultMinNodeVersion is MIN_NODE_VERSION's built-in default; it can be
// overridden by the ANTNODE_MIN_NODE_VERSION environment variable.
const DefaultMinNodeVersion = "0.4.15"

// MinNodeVersionEnv is the environment variable overriding the node
// version floor.
const MinNodeVersionEnv = "ANTNODE_MIN_NODE_VERSION"

// AgentString is a parsed ant/<role>/<protocol_version>/<package_version>/<network_id>.
type AgentString struct {
	Role            Role
	ProtocolVersion string
	PackageVersion  string // normalized, no "v" prefix, pre-release suffix stripped
	NetworkID       string
	Legacy          bool // recognizable "ant/..." prefix but no parseable version
}

// Parse splits a raw agent string into its AgentString components.
// Non-"ant/..." strings are not agent strings at all and return an error.
func Parse(raw string) (AgentString, error) {
	if !strings.HasPrefix(raw, "ant/") {
		return AgentString{}, errNotAgentString
	}
	parts := strings.Split(raw, "/")
	if len(parts) != 5 {
		role := RoleUnknown
		if len(parts) > 1 {
			role = roleOf(parts[1])
		}
		return AgentString{Role: role, Legacy: true}, nil
	}

	role := roleOf(parts[1])
	pkgVersion, ok := normalizeSemver(parts[3])
	if !ok {
		return AgentString{Role: role, ProtocolVersion: parts[2], NetworkID: parts[4], Legacy: true}, nil
	}

	return AgentString{
		Role:            role,
		ProtocolVersion: parts[2],
		PackageVersion:  pkgVersion,
		NetworkID:       parts[4],
	}, nil
}

func roleOf(s string) Role {
	switch Role(s) {
	case RoleNode, RoleClient, RoleReachabilityCheck:
		return Role(s)
	default:
		return RoleUnknown
	}
}

// normalizeSemver strips any pre-release suffix at the first "-" and
// validates the remainder as a semver, per spec.md §4.9.
func normalizeSemver(raw string) (string, bool) {
	base := raw
	if i := strings.IndexByte(raw, '-'); i >= 0 {
		base = raw[:i]
	}
	canonical := "v" + base
	if !semver.IsValid(canonical) {
		return "", false
	}
	return strings.TrimPrefix(semver.Canonical(canonical), "v"), true
}

type errNotAgentStringType struct{}

func (errNotAgentStringType) Error() string { return "version: not an agent string" }

var errNotAgentString = errNotAgentStringType{}

// Gate enforces VersionGate's peer-admission policy.
type Gate struct {
	minNodeVersion string
}

// NewGate constructs a Gate. An empty override falls back to
// DefaultMinNodeVersion, itself overridable by MinNodeVersionEnv.
func NewGate(override string) *Gate {
	if override == "" {
		override = os.Getenv(MinNodeVersionEnv)
	}
	if override == "" {
		override = DefaultMinNodeVersion
	}
	norm, ok := normalizeSemver(override)
	if !ok {
		norm = DefaultMinNodeVersion
	}
	return &Gate{minNodeVersion: norm}
}

// Admit decides whether a peer advertising raw should be admitted, per
// spec.md §4.9's per-role enforcement table.
func (g *Gate) Admit(raw string) (bool, error) {
	agent, err := Parse(raw)
	if err != nil {
		return false, err
	}

	switch agent.Role {
	case RoleClient:
		// Client peers are never rejected; version is metrics-only.
		return true, nil
	case RoleNode, RoleReachabilityCheck:
		if agent.Legacy {
			return false, nil
		}
		return semver.Compare("v"+agent.PackageVersion, "v"+g.minNodeVersion) >= 0, nil
	default:
		return false, nil
	}
}
