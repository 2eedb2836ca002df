// Package firecracker implements the Machine Agent Adapter (C6): a thin
// contract over a per-VM hypervisor process driven through its control
// socket. Grounded on the HTTP-over-unix-socket idiom and process
// lifecycle handling the teacher uses for exactly this job
// (pre-transform internal/firecracker/vm.go: httpClientForSocket, apiCall,
// waitForSocket, monitorProcess, StopVM's graceful-then-SIGKILL
// escalation).
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/vmerr"
)

// Core is the opaque, serialisable descriptor that lets a new Agent value
// reconnect to an already-running hypervisor process (spec §3, "core").
type Core struct {
	VMID                string     `json:"vmid"`
	SocketPath          string     `json:"socket_path"`
	PID                 int        `json:"pid"`
	KernelPath          string     `json:"kernel_path"`
	BootConfig          BootConfig `json:"boot_config"`
	AgentInitTimeoutS   float64    `json:"agent_init_timeout_s"`
	AgentRequestTimeout float64    `json:"agent_request_timeout_s"`
}

// Agent is a client-side handle to one hypervisor process.
type Agent struct {
	mu   sync.Mutex
	core Core

	client *http.Client
	proc   *os.Process // nil after Rebuild until the process is observed
}

var (
	socketClientsMu sync.Mutex
	socketClients   = make(map[string]*http.Client)
)

func httpClientForSocket(socketPath string) *http.Client {
	socketClientsMu.Lock()
	defer socketClientsMu.Unlock()

	if c, ok := socketClients[socketPath]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	socketClients[socketPath] = c
	return c
}

func removeSocketClient(socketPath string) {
	socketClientsMu.Lock()
	defer socketClientsMu.Unlock()
	if c, ok := socketClients[socketPath]; ok {
		c.CloseIdleConnections()
		delete(socketClients, socketPath)
	}
}

// FirecrackerBin is the path to the hypervisor binary; overridable for
// tests.
var FirecrackerBin = "firecracker"

// New spawns a fresh hypervisor process bound to socketPath and initialises
// it with cfg, without starting the guest (spec §4.6 "new").
func New(ctx context.Context, vmid, socketPath, kernelPath string, cfg BootConfig, initTimeoutS, requestTimeoutS float64) (*Agent, error) {
	os.Remove(socketPath)

	cmd := exec.Command(FirecrackerBin, "--api-sock", socketPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, vmerr.Wrap(vmerr.KindMachineCreate, "spawn hypervisor process", err)
	}

	a := &Agent{
		core: Core{
			VMID:                vmid,
			SocketPath:          socketPath,
			PID:                 cmd.Process.Pid,
			KernelPath:          kernelPath,
			BootConfig:          cfg,
			AgentInitTimeoutS:   initTimeoutS,
			AgentRequestTimeout: requestTimeoutS,
		},
		client: httpClientForSocket(socketPath),
		proc:   cmd.Process,
	}

	timeout := time.Duration(initTimeoutS * float64(time.Second))
	if err := a.waitForSocket(ctx, timeout); err != nil {
		cmd.Process.Kill()
		return nil, vmerr.Wrap(vmerr.KindMachineCreate, "wait for control socket", err)
	}

	if err := a.apiBoot(ctx, kernelPath, cfg); err != nil {
		cmd.Process.Kill()
		return nil, vmerr.Wrap(vmerr.KindMachineCreate, "configure boot sources", err)
	}

	go a.monitorProcess(cmd)

	return a, nil
}

// Rebuild reconstructs a client-side handle from a previously dumped core so
// subsequent commands reach the already-running hypervisor over its socket
// (spec §4.6 "rebuild").
func Rebuild(core Core) (*Agent, error) {
	a := &Agent{
		core:   core,
		client: httpClientForSocket(core.SocketPath),
	}
	if core.PID > 0 {
		if proc, err := os.FindProcess(core.PID); err == nil {
			a.proc = proc
		}
	}
	return a, nil
}

// DumpIntoCore serialises the handle (spec §4.6 "dump_into_core").
func (a *Agent) DumpIntoCore() (Core, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.core, nil
}

func (a *Agent) waitForSocket(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if a.proc != nil {
			if err := a.proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("hypervisor exited before socket ready: %w", err)
			}
		}
		if _, err := os.Stat(a.core.SocketPath); err == nil {
			conn, err := net.Dial("unix", a.core.SocketPath)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("control socket timeout after %s", timeout)
}

func (a *Agent) requestTimeout() time.Duration {
	if a.core.AgentRequestTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(a.core.AgentRequestTimeout * float64(time.Second))
}

func (a *Agent) apiCall(ctx context.Context, kind vmerr.Kind, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout())
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return vmerr.Wrap(vmerr.KindSerde, "marshal agent request", err)
		}
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, "http://localhost"+path, nil)
	}
	if err != nil {
		return vmerr.Wrap(kind, "build agent request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return vmerr.Wrap(kind, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return vmerr.New(kind, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(b)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return vmerr.Wrap(vmerr.KindSerde, "decode agent response", err)
		}
	}
	return nil
}

// apiBoot pushes the boot-time configuration into a freshly spawned,
// not-yet-started hypervisor: logger, drives, network interfaces, and
// machine config, in the order Firecracker's API requires them wired
// before InstanceStart.
func (a *Agent) apiBoot(ctx context.Context, kernelPath string, cfg BootConfig) error {
	if cfg.LogPath != "" {
		loggerBody := map[string]any{
			"log_path":       cfg.LogPath,
			"level":          "Info",
			"show_level":     true,
			"show_log_origin": false,
		}
		if err := a.apiCall(ctx, vmerr.KindMachineCreate, http.MethodPut, "/logger", loggerBody, nil); err != nil {
			return err
		}
	}

	bootSource := map[string]string{"kernel_image_path": kernelPath}
	if err := a.apiCall(ctx, vmerr.KindMachineCreate, http.MethodPut, "/boot-source", bootSource, nil); err != nil {
		return err
	}

	for _, d := range cfg.Drives {
		if err := a.apiCall(ctx, vmerr.KindMachineCreate, http.MethodPut, "/drives/"+d.DriveID, d, nil); err != nil {
			return err
		}
	}

	for _, iface := range cfg.NetworkInterfaces {
		if err := a.apiCall(ctx, vmerr.KindMachineCreate, http.MethodPut, "/network-interfaces/"+iface.IfaceID, iface, nil); err != nil {
			return err
		}
	}

	machineConfig := map[string]any{
		"vcpu_count":   cfg.VCPUCount,
		"mem_size_mib": cfg.MemSizeMiB,
		"ht_enabled":   cfg.HTEnabled,
	}
	if err := a.apiCall(ctx, vmerr.KindMachineCreate, http.MethodPut, "/machine-config", machineConfig, nil); err != nil {
		return err
	}

	if cfg.InitialMetadata != "" {
		if err := a.UpdateMetadata(ctx, cfg.InitialMetadata); err != nil {
			return err
		}
	}

	return nil
}

func (a *Agent) monitorProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	err := cmd.Wait()
	logging.Op().Info("hypervisor process exited", "vmid", a.core.VMID, "error", err)
}

// Start issues InstanceStart (spec §4.6).
func (a *Agent) Start(ctx context.Context) error {
	return a.apiCall(ctx, vmerr.KindMachineStart, http.MethodPut, "/actions", map[string]string{"action_type": "InstanceStart"}, nil)
}

// Pause transitions the guest to Paused state.
func (a *Agent) Pause(ctx context.Context) error {
	return a.apiCall(ctx, vmerr.KindMachinePause, http.MethodPatch, "/vm", map[string]string{"state": "Paused"}, nil)
}

// Resume transitions the guest to Resumed state.
func (a *Agent) Resume(ctx context.Context) error {
	return a.apiCall(ctx, vmerr.KindMachineResume, http.MethodPatch, "/vm", map[string]string{"state": "Resumed"}, nil)
}

// Shutdown requests an orderly guest halt via CtrlAltDel (spec §4.6:
// "shutdown requests an orderly guest halt").
func (a *Agent) Shutdown(ctx context.Context) error {
	return a.apiCall(ctx, vmerr.KindMachineStop, http.MethodPut, "/actions", map[string]string{"action_type": "SendCtrlAltDel"}, nil)
}

// StopVMM tears down the hypervisor process itself (spec §4.6). It
// escalates SIGTERM then SIGKILL, matching the teacher's StopVM.
func (a *Agent) StopVMM(ctx context.Context) error {
	a.mu.Lock()
	proc := a.proc
	socketPath := a.core.SocketPath
	a.mu.Unlock()

	if proc == nil {
		removeSocketClient(socketPath)
		return nil
	}

	syscall.Kill(-proc.Pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		syscall.Kill(-proc.Pid, syscall.SIGKILL)
		proc.Wait()
	case <-ctx.Done():
		syscall.Kill(-proc.Pid, syscall.SIGKILL)
	}

	removeSocketClient(socketPath)
	os.Remove(socketPath)
	return nil
}

// CreateSnapshot requires the VM to be PAUSED; writes the two snapshot
// files atomically from the agent's perspective (spec §4.6).
func (a *Agent) CreateSnapshot(ctx context.Context, memPath, vmPath string) error {
	body := map[string]string{
		"mem_file_path":  memPath,
		"snapshot_path":  vmPath,
	}
	return a.apiCall(ctx, vmerr.KindSnapshotCreate, http.MethodPut, "/snapshot/create", body, nil)
}

// UpdateMetadata replaces the guest-visible metadata document.
func (a *Agent) UpdateMetadata(ctx context.Context, metadata string) error {
	var payload any
	if err := json.Unmarshal([]byte(metadata), &payload); err != nil {
		payload = metadata
	}
	return a.apiCall(ctx, vmerr.KindMachineQuery, http.MethodPut, "/mmds", payload, nil)
}

// GetConfig returns the boot config currently loaded into the hypervisor.
func (a *Agent) GetConfig(ctx context.Context) (BootConfig, error) {
	var cfg BootConfig
	err := a.apiCall(ctx, vmerr.KindMachineQuery, http.MethodGet, "/machine-config", nil, &cfg)
	return cfg, err
}

// DescribeInstanceInfo returns the hypervisor's self-reported instance
// state.
func (a *Agent) DescribeInstanceInfo(ctx context.Context) (InstanceInfo, error) {
	var info InstanceInfo
	err := a.apiCall(ctx, vmerr.KindMachineQuery, http.MethodGet, "/", nil, &info)
	return info, err
}

// GetExportVMConfig returns the full config the hypervisor would need to
// restore this machine from scratch.
func (a *Agent) GetExportVMConfig(ctx context.Context) (FullVMConfig, error) {
	var cfg FullVMConfig
	err := a.apiCall(ctx, vmerr.KindMachineQuery, http.MethodGet, "/vm/config", nil, &cfg)
	return cfg, err
}
