// Package batchsvc implements BatchServiceManager: batch-oriented lifecycle
// management (add/start/stop/upgrade/remove) for a set of co-located node
// services, running above the node processes as OS-level supervision
// (spec.md §4.8).
//
// Grounded on warren/pkg/manager.Manager's CRUD methods (one struct owning
// a durable store plus per-entity locking) and warren/pkg/storage/boltdb.go's
// bucket-per-entity BoltDB layout; unlike warren, service state here is
// written directly to bbolt rather than proposed through hashicorp/raft,
// since a single-operator batch tool over bare processes has no cluster
// consensus requirement (spec.md §1's Non-goals; see DESIGN.md).
package batchsvc

import (
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/types"
)

var bucketServices = []byte("services")

// Selection identifies the subset of managed services an operation
// applies to, by name or by peer id.
type Selection struct {
	Names   []string
	PeerIDs []types.ID
}

// BatchResult accumulates per-node outcomes for a batch operation: one
// node's failure must not abort the batch (spec.md §4.8).
type BatchResult struct {
	Succeeded []string
	Errors    map[string]error
	NoOp      []string
}

func newBatchResult() BatchResult {
	return BatchResult{Errors: make(map[string]error)}
}

func (r *BatchResult) ok(name string)             { r.Succeeded = append(r.Succeeded, name) }
func (r *BatchResult) fail(name string, err error) { r.Errors[name] = err }
func (r *BatchResult) noop(name string)            { r.NoOp = append(r.NoOp, name) }

// Manager is the BatchServiceManager described in spec.md §4.8.
type Manager struct {
	db      *bolt.DB
	control ServiceControl

	mu sync.RWMutex
}

// New opens (creating if absent) the services database under dataDir and
// constructs a Manager bound to the given ServiceControl boundary.
func New(dataDir string, control ServiceControl) (*Manager, error) {
	db, err := bolt.Open(dataDir+"/services.db", 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("batchsvc: open services db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketServices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("batchsvc: create services bucket: %w", err)
	}
	return &Manager{db: db, control: control}, nil
}

func (m *Manager) Close() error { return m.db.Close() }

func (m *Manager) get(name string) (*types.NodeServiceData, error) {
	var data types.NodeServiceData
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketServices).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("batchsvc: service %q not found", name)
		}
		return yaml.Unmarshal(raw, &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (m *Manager) put(data *types.NodeServiceData) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Put([]byte(data.ServiceName), raw)
	})
}

// list returns every managed service's name.
func (m *Manager) list() ([]string, error) {
	var names []string
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// resolve expands a Selection into concrete service names.
func (m *Manager) resolve(sel Selection) ([]string, error) {
	if len(sel.Names) == 0 && len(sel.PeerIDs) == 0 {
		return m.list()
	}
	names := append([]string(nil), sel.Names...)
	if len(sel.PeerIDs) > 0 {
		all, err := m.list()
		if err != nil {
			return nil, err
		}
		want := make(map[types.ID]bool, len(sel.PeerIDs))
		for _, id := range sel.PeerIDs {
			want[id] = true
		}
		for _, name := range all {
			data, err := m.get(name)
			if err != nil {
				continue
			}
			if want[data.PeerID] {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// Add registers a new managed service: it installs the binary at
// programPath under the service-control boundary using an argument list
// deterministically built from data (spec.md §6), then persists data.
func (m *Manager) Add(programPath string, data types.NodeServiceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def := ServiceDef{
		Name:        data.ServiceName,
		ProgramPath: programPath,
		Args:        buildArgs(&data),
		Autostart:   data.AutoRestart,
	}
	if err := m.control.Install(def); err != nil {
		return fmt.Errorf("batchsvc: install %q: %w", data.ServiceName, err)
	}
	data.BinaryPath = programPath
	if data.Version == "" {
		data.Version = binaryVersion(programPath)
	}
	data.Status = types.ServiceAdded
	data.CreatedAt = time.Now()
	data.UpdatedAt = data.CreatedAt
	return m.put(&data)
}

// Start starts every service in sel; a single failure is recorded in the
// BatchResult and does not abort the remaining services.
func (m *Manager) Start(sel Selection) BatchResult {
	return m.forEach(sel, func(data *types.NodeServiceData) error {
		if err := m.control.Start(data.ServiceName, data.UserMode); err != nil {
			return err
		}
		pid, ok, err := m.control.GetProcessPID(data.ServiceName)
		if err == nil && ok {
			data.PID = pid
		}
		data.Status = types.ServiceRunning
		data.UpdatedAt = time.Now()
		return m.put(data)
	})
}

// Stop stops every service in sel.
func (m *Manager) Stop(sel Selection) BatchResult {
	return m.forEach(sel, func(data *types.NodeServiceData) error {
		if err := m.control.Stop(data.ServiceName, data.UserMode); err != nil {
			return err
		}
		data.Status = types.ServiceStopped
		data.UpdatedAt = time.Now()
		return m.put(data)
	})
}

// Remove uninstalls every service in sel and deletes its record.
func (m *Manager) Remove(sel Selection) BatchResult {
	result := newBatchResult()
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.resolve(sel)
	if err != nil {
		return result
	}
	for _, name := range names {
		if err := m.control.Uninstall(name); err != nil {
			result.fail(name, err)
			continue
		}
		err := m.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketServices).Delete([]byte(name))
		})
		if err != nil {
			result.fail(name, err)
			continue
		}
		result.ok(name)
	}
	return result
}

// Describe returns the durable NodeServiceData for every service in sel,
// the read-only counterpart to Start/Stop/Remove used by antctl's status
// command (spec.md §6).
func (m *Manager) Describe(sel Selection) ([]types.NodeServiceData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names, err := m.resolve(sel)
	if err != nil {
		return nil, err
	}
	out := make([]types.NodeServiceData, 0, len(names))
	for _, name := range names {
		data, err := m.get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, *data)
	}
	return out, nil
}

// forEach applies fn to every selected service's NodeServiceData, writing
// the outcome into a BatchResult with best-effort semantics.
func (m *Manager) forEach(sel Selection, fn func(*types.NodeServiceData) error) BatchResult {
	result := newBatchResult()
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.resolve(sel)
	if err != nil {
		return result
	}
	for _, name := range names {
		data, err := m.get(name)
		if err != nil {
			result.fail(name, err)
			continue
		}
		if err := fn(data); err != nil {
			result.fail(name, err)
			continue
		}
		result.ok(name)
	}
	return result
}

// logger is shared by service-control implementations and the upgrade
// protocol for consistent component tagging.
var logger = log.WithComponent("batchsvc")

// compareVersions reports cmp(v1, v2): negative if v1<v2, zero if equal,
// positive if v1>v2, adding a leading "v" if absent.
func compareVersions(v1, v2 string) int {
	return semver.Compare(canonicalize(v1), canonicalize(v2))
}

func canonicalize(v string) string {
	if len(v) == 0 || v[0] != 'v' {
		return "v" + v
	}
	return v
}
