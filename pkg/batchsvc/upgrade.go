package batchsvc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/antnet/antnode/pkg/types"
)

// UpgradeOptions parameterizes Upgrade (spec.md §4.8).
type UpgradeOptions struct {
	TargetVersion string
	TargetBinary  string
	Force         bool
	StartService  bool

	// StopWait bounds how long Upgrade waits for a stopped service's
	// pid to disappear before giving up on that service.
	StopWait time.Duration
	// ListenerWait bounds how long Upgrade waits for the restarted
	// service's filesystem-advertised node info to appear.
	ListenerWait time.Duration
}

func (o UpgradeOptions) stopWait() time.Duration {
	if o.StopWait > 0 {
		return o.StopWait
	}
	return 30 * time.Second
}

func (o UpgradeOptions) listenerWait() time.Duration {
	if o.ListenerWait > 0 {
		return o.ListenerWait
	}
	return 30 * time.Second
}

// Upgrade implements BatchServiceManager's upgrade protocol (spec.md
// §4.8): stop, binary swap, reinstall from a byte-for-byte snapshot of
// the retention-invariant fields, metrics-port allocation when unset,
// optional restart-and-verify. One service's failure never aborts the
// batch.
func (m *Manager) Upgrade(sel Selection, opts UpgradeOptions) BatchResult {
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

		// Step 1: downgrade gate.
		if !opts.Force && compareVersions(opts.TargetVersion, data.Version) < 0 {
			result.noop(name)
			continue
		}

		if err := m.upgradeOne(data, opts); err != nil {
			result.fail(name, err)
			continue
		}
		result.ok(name)
	}
	return result
}

// upgradeOne runs the upgrade protocol's steps 2-7 against a single
// service's NodeServiceData, persisting the updated record as it goes so
// a crash mid-upgrade leaves the durable record consistent with whatever
// step last completed.
func (m *Manager) upgradeOne(data *types.NodeServiceData, opts UpgradeOptions) error {
	// Step 2: snapshot the retention-invariant fields before anything
	// changes.
	snapshot := data.Snapshot()

	// Step 3: stop the service, wait for its pid to exit. A stop
	// failure here aborts the upgrade for this service only.
	if err := m.control.Stop(data.ServiceName, data.UserMode); err != nil {
		return fmt.Errorf("batchsvc: stop %q before upgrade: %w", data.ServiceName, err)
	}
	if err := m.waitForExit(data.ServiceName, opts.stopWait()); err != nil {
		return fmt.Errorf("batchsvc: %q did not exit before upgrade: %w", data.ServiceName, err)
	}

	// Step 4: replace the on-disk binary atomically. opts.TargetBinary is
	// one shared source file for the whole batch, so it is copied to a
	// per-service temp file first and that copy is renamed into place —
	// renaming the source itself would consume it on the first service and
	// leave every later service in the batch with nothing to rename from.
	if err := copyBinaryInto(opts.TargetBinary, data.BinaryPath); err != nil {
		return fmt.Errorf("batchsvc: replace binary for %q: %w", data.ServiceName, err)
	}

	// Step 5: reinstall using the captured snapshot verbatim for every
	// retention-invariant field.
	restored := snapshot
	restored.Version = opts.TargetVersion
	restored.UpdatedAt = time.Now()

	// Step 6: allocate a metrics port if the snapshot had none.
	if restored.MetricsPort == nil {
		port, err := m.control.GetAvailablePort()
		if err != nil {
			return fmt.Errorf("batchsvc: allocate metrics port for %q: %w", data.ServiceName, err)
		}
		restored.MetricsPort = &port
	}

	def := ServiceDef{
		Name:        restored.ServiceName,
		ProgramPath: restored.BinaryPath,
		Args:        buildArgs(&restored),
		Autostart:   restored.AutoRestart,
	}
	if err := m.control.Install(def); err != nil {
		return fmt.Errorf("batchsvc: reinstall %q: %w", restored.ServiceName, err)
	}
	restored.Status = types.ServiceStopped
	if err := m.put(&restored); err != nil {
		return err
	}
	*data = restored

	if !opts.StartService {
		return nil
	}

	// Step 7: start and verify. A start failure, or a timed-out wait
	// for the listener, is non-fatal to the batch: the new version is
	// already recorded.
	if err := m.control.Start(data.ServiceName, data.UserMode); err != nil {
		return fmt.Errorf("batchsvc: start %q after upgrade: %w", data.ServiceName, err)
	}
	info, err := m.waitForNodeInfo(data.DataDir, opts.listenerWait())
	if err != nil {
		data.Status = types.ServiceRunning
		_ = m.put(data)
		return fmt.Errorf("batchsvc: %q did not advertise a listener after upgrade: %w", data.ServiceName, err)
	}
	logger.Debug().Str("service", data.ServiceName).Int("connected_peers", info.ConnectedPeers).Msg("service restarted after upgrade")

	pid, ok, err := m.control.GetProcessPID(data.ServiceName)
	if err == nil && ok {
		data.PID = pid
	}
	data.Status = types.ServiceRunning
	return m.put(data)
}

// copyBinaryInto copies src into a temp file beside dst and renames the
// copy into place, leaving src untouched so the rest of a batch upgrade
// sharing the same src can still read it, mirroring store.FileStore's
// write-temp-then-rename durability idiom.
func copyBinaryInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".upgrade-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, info.Mode()); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		dirF.Close()
	}
	return nil
}

// waitForExit polls GetProcessPID until the service is no longer
// running or timeout elapses.
func (m *Manager) waitForExit(name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, running, err := m.control.GetProcessPID(name)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("batchsvc: timed out waiting for %q to exit", name)
		}
		if err := m.control.Wait(200); err != nil {
			return err
		}
	}
}

// waitForNodeInfo polls the service's filesystem-advertised node info
// descriptor (spec.md §6) until it reports a reachability check
// completion and at least one connected peer, or timeout elapses,
// leaving the service marked Running-unverified per spec.md §4.8's
// failure semantics.
func (m *Manager) waitForNodeInfo(dataDir string, timeout time.Duration) (*NodeInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := readNodeInfo(dataDir)
		if err == nil && info.ReachabilityChecked && info.ConnectedPeers > 0 {
			return info, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("batchsvc: timed out waiting for node info under %q", dataDir)
		}
		if err := m.control.Wait(500); err != nil {
			return nil, err
		}
	}
}
