package batchsvc

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/antnet/antnode/pkg/types"
)

// ServiceDef is the abstract capability boundary's install record
// (spec.md §6): a program path, its argument list, an optional run-as
// user, optional environment, and whether it should autostart.
type ServiceDef struct {
	Name        string
	ProgramPath string
	Args        []string
	User        string
	Env         map[string]string
	Autostart   bool
}

// ServiceControl is the abstract capability set the host supplies to
// BatchServiceManager (spec.md §6): install, uninstall, start, stop,
// pid lookup, port allocation, and a bounded wait.
//
// Grounded on warren/pkg/embedded's process-supervision shape (start a
// long-lived binary, track its pid, probe liveness) but implemented over
// bare os/exec rather than containerd/runc, since BatchServiceManager
// supervises a single long-lived binary per node rather than OCI
// containers (see DESIGN.md).
type ServiceControl interface {
	Install(def ServiceDef) error
	Uninstall(name string) error
	Start(name string, userMode bool) error
	Stop(name string, userMode bool) error
	GetProcessPID(name string) (pid int, ok bool, err error)
	GetAvailablePort() (uint16, error)
	Wait(ms int) error
}

// osServiceControl supervises bare binaries directly via os/exec,
// tracking each service's pid in a pidfile under baseDir and probing
// liveness with signal 0 (no process-supervisor library exists in the
// retrieved pack for arbitrary long-lived binaries; see DESIGN.md).
type osServiceControl struct {
	baseDir string
	defs    map[string]ServiceDef
}

// NewOSServiceControl constructs a ServiceControl that writes pidfiles
// and service definitions under baseDir.
func NewOSServiceControl(baseDir string) ServiceControl {
	return &osServiceControl{baseDir: baseDir, defs: make(map[string]ServiceDef)}
}

func (c *osServiceControl) pidFile(name string) string {
	return filepath.Join(c.baseDir, name+".pid")
}

func (c *osServiceControl) Install(def ServiceDef) error {
	if def.ProgramPath == "" {
		return fmt.Errorf("batchsvc: service %q has no program path", def.Name)
	}
	if _, err := os.Stat(def.ProgramPath); err != nil {
		return fmt.Errorf("batchsvc: program path %q: %w", def.ProgramPath, err)
	}
	c.defs[def.Name] = def
	return nil
}

func (c *osServiceControl) Uninstall(name string) error {
	_ = c.Stop(name, false)
	delete(c.defs, name)
	return os.Remove(c.pidFile(name))
}

func (c *osServiceControl) Start(name string, userMode bool) error {
	def, ok := c.defs[name]
	if !ok {
		return fmt.Errorf("batchsvc: service %q is not installed", name)
	}
	if pid, running, _ := c.GetProcessPID(name); running {
		logger.Debug().Str("service", name).Int("pid", pid).Msg("service already running")
		return nil
	}

	cmd := exec.Command(def.ProgramPath, def.Args...)
	cmd.Env = os.Environ()
	for k, v := range def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("batchsvc: start %q: %w", name, err)
	}
	pid := cmd.Process.Pid
	// The launched process is detached (Setsid); release it so this
	// process's exit doesn't orphan-reap it on wait().
	if err := cmd.Process.Release(); err != nil {
		logger.Warn().Err(err).Str("service", name).Msg("failed to release child process handle")
	}
	return os.WriteFile(c.pidFile(name), []byte(strconv.Itoa(pid)), 0o644)
}

func (c *osServiceControl) Stop(name string, userMode bool) error {
	pid, running, err := c.GetProcessPID(name)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("batchsvc: find process %d for %q: %w", pid, name, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("batchsvc: signal %q (pid %d): %w", name, pid, err)
	}
	return os.Remove(c.pidFile(name))
}

// GetProcessPID reads the pidfile for name and probes liveness with
// signal 0, the standard "is this pid alive" check without a
// supervisor library.
func (c *osServiceControl) GetProcessPID(name string) (int, bool, error) {
	raw, err := os.ReadFile(c.pidFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false, fmt.Errorf("batchsvc: malformed pidfile for %q: %w", name, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false, nil
	}
	return pid, true, nil
}

// GetAvailablePort asks the kernel for an unused TCP port by binding to
// port 0 and immediately releasing it.
func (c *osServiceControl) GetAvailablePort() (uint16, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("batchsvc: allocate port: %w", err)
	}
	defer lis.Close()
	return uint16(lis.Addr().(*net.TCPAddr).Port), nil
}

func (c *osServiceControl) Wait(ms int) error {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

// buildArgs deterministically constructs a ServiceDef's argument list
// from NodeServiceData, per spec.md §6: --rpc, --root-dir,
// --log-output-dest, --metrics-server-port, --rewards-address, then the
// EVM sub-arguments; retention-invariant fields appear whenever set.
func buildArgs(data *types.NodeServiceData) []string {
	args := []string{
		"--rpc", data.RPCSocketAddr,
		"--root-dir", data.DataDir,
		"--log-output-dest", data.LogDir,
	}
	if data.MetricsPort != nil {
		args = append(args, "--metrics-server-port", strconv.Itoa(int(*data.MetricsPort)))
	}
	if data.RewardsAddress != "" {
		args = append(args, "--rewards-address", data.RewardsAddress)
	}
	args = append(args, evmArgs(data.EVMNetwork)...)

	if data.InitialPeersConfig.First {
		args = append(args, "--first")
	}
	if data.InitialPeersConfig.Local {
		args = append(args, "--local")
	}
	for _, addr := range data.InitialPeersConfig.Addrs {
		args = append(args, "--peer", addr)
	}
	if data.InitialPeersConfig.NetworkContactsURL != "" {
		args = append(args, "--network-contacts-url", data.InitialPeersConfig.NetworkContactsURL)
	}
	if data.InitialPeersConfig.IgnoreCache {
		args = append(args, "--ignore-cache")
	}
	if data.InitialPeersConfig.BootstrapCacheDir != "" {
		args = append(args, "--bootstrap-cache-dir", data.InitialPeersConfig.BootstrapCacheDir)
	}
	if data.NetworkID != nil {
		args = append(args, "--network-id", strconv.Itoa(int(*data.NetworkID)))
	}
	if data.NoUPnP {
		args = append(args, "--no-upnp")
	}
	if data.LogFormat != "" {
		args = append(args, "--log-format", data.LogFormat)
	}
	if data.SkipReachabilityCheck {
		args = append(args, "--skip-reachability-check")
	}
	if data.NodeIP != "" {
		args = append(args, "--ip", data.NodeIP)
	}
	if data.NodePort != 0 {
		args = append(args, "--port", strconv.Itoa(int(data.NodePort)))
	}
	if data.AutoRestart {
		args = append(args, "--auto-restart")
	}
	if data.Alpha {
		args = append(args, "--alpha")
	}
	if data.WriteOlderCacheFiles {
		args = append(args, "--write-older-cache-files")
	}
	if data.UserMode {
		args = append(args, "--user-mode")
	}
	return args
}

func evmArgs(net types.EVMNetwork) []string {
	if !net.Custom {
		if net.Name == "" {
			return nil
		}
		return []string{"--evm-network", net.Name}
	}
	return []string{
		"--evm-network", "custom",
		"--rpc-url", net.RPCURL,
		"--payment-token-address", net.PaymentTokenAddr,
		"--data-payments-address", net.DataPaymentsAddr,
	}
}
