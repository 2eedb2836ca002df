// Package vmpool implements the VM Pool Orchestrator (C7) and its
// bootstrap sequence (C8): the component that wires the per-VM lock
// (C1), metadata store (C2), storage client (C3), network client (C4),
// kernel resolver (C5), and machine agent adapter (C6) into the public
// create/start/pause/resume/stop/delete/modify_metadata/get_status/
// snapshot operations (spec §4.7).
package vmpool

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/firecracker"
	"github.com/oriys/nova/internal/kernel"
	"github.com/oriys/nova/internal/lockbroker"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metadata"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/networkclient"
	"github.com/oriys/nova/internal/storageclient"
	"github.com/oriys/nova/internal/vmerr"
)

// agentHandle is the subset of *firecracker.Agent the pool depends on.
// Pool talks to it only through this interface so tests can substitute a
// fake hypervisor without spawning a real Firecracker process.
type agentHandle interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Shutdown(ctx context.Context) error
	StopVMM(ctx context.Context) error
	CreateSnapshot(ctx context.Context, memPath, vmPath string) error
	UpdateMetadata(ctx context.Context, metadata string) error
	GetConfig(ctx context.Context) (firecracker.BootConfig, error)
	DescribeInstanceInfo(ctx context.Context) (firecracker.InstanceInfo, error)
	GetExportVMConfig(ctx context.Context) (firecracker.FullVMConfig, error)
	DumpIntoCore() (firecracker.Core, error)
}

// Pool is the control-plane instance: concurrent and immutable after
// bootstrap. Unlike the source it replaces, it carries no process-wide
// mutex — only the per-vmid lease lock in Locks serialises state-changing
// operations, so distinct vmids never wait on each other here.
type Pool struct {
	ID uuid.UUID

	Locks    *lockbroker.Broker
	Store    *metadata.Store
	Storage  *storageclient.Client
	Network  networkclient.Client
	Kernels  *kernel.Resolver
	IdemCache cache.Cache // optional; nil disables the idempotency fast path

	SocketsDir        string
	LogsDir           string
	MetricsDir        string
	SnapshotDir       string

	AgentInitTimeout    float64
	AgentRequestTimeout float64
	LeaseSeconds        int

	// newAgent and rebuildAgent default to wrapping firecracker.New and
	// firecracker.Rebuild; tests override them to substitute a fake
	// hypervisor instead of spawning a real Firecracker process.
	newAgent func(ctx context.Context, vmid, socketPath, kernelPath string, boot firecracker.BootConfig, initTimeoutS, requestTimeoutS float64) (agentHandle, error)
	rebuildAgent func(core firecracker.Core) (agentHandle, error)
}

func defaultNewAgent(ctx context.Context, vmid, socketPath, kernelPath string, boot firecracker.BootConfig, initTimeoutS, requestTimeoutS float64) (agentHandle, error) {
	return firecracker.New(ctx, vmid, socketPath, kernelPath, boot, initTimeoutS, requestTimeoutS)
}

func defaultRebuildAgent(core firecracker.Core) (agentHandle, error) {
	return firecracker.Rebuild(core)
}

// StatusView is the composite result of get_status: the hypervisor's own
// view plus the stored lifecycle status.
type StatusView struct {
	VMID       string                   `json:"vmid"`
	Status     domain.VMStatus          `json:"status"`
	VMInfo     firecracker.InstanceInfo `json:"vm_info"`
	FullConfig firecracker.FullVMConfig `json:"full_config"`
	BootConfig firecracker.BootConfig  `json:"boot_config"`
}

func (p *Pool) socketPath(vmid string) string {
	return filepath.Join(p.SocketsDir, vmid+".sock")
}

func (p *Pool) logPath(vmid string) string {
	return filepath.Join(p.LogsDir, vmid+".log")
}

func (p *Pool) metricsPath(vmid string) string {
	return filepath.Join(p.MetricsDir, vmid+".metrics")
}

func (p *Pool) snapshotDir(vmid string) string {
	return filepath.Join(p.SnapshotDir, p.ID.String(), vmid)
}

// acquireLease wraps Locks.Acquire with a lock-wait observation, mirroring
// the teacher's per-call-site metrics.SetActiveVMs pattern
// (internal/pool/pool_lifecycle.go, pre-transform) rather than a generic
// middleware wrapper.
func (p *Pool) acquireLease(ctx context.Context, vmid string) (*lockbroker.Lease, error) {
	start := time.Now()
	lease, err := p.Locks.Acquire(ctx, vmid, p.LeaseSeconds)
	metrics.RecordLockWait(time.Since(start).Milliseconds())
	return lease, err
}

// recordOutcome observes an operation's wall-clock duration and, on
// failure, bumps the error-kind counter. Deferred with a pointer to the
// operation's named error return so it sees the final outcome.
func recordOutcome(operation string, start time.Time, err *error) {
	metrics.RecordOperationDuration(operation, time.Since(start).Milliseconds())
	if *err != nil {
		metrics.RecordError(string(vmerr.KindOf(*err)))
	}
}

func (p *Pool) rebuild(coreBytes []byte) (agentHandle, error) {
	var core firecracker.Core
	if err := json.Unmarshal(coreBytes, &core); err != nil {
		return nil, vmerr.Wrap(vmerr.KindMachineRebuild, "unmarshal core", err)
	}
	agent, err := p.rebuildAgent(core)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindMachineRebuild, "rebuild agent", err)
	}
	return agent, nil
}

// teardownInterface removes the tap interface through whichever Network
// collaborator is wired (host-script or HTTP-backed); best-effort, matching
// the other cleanup calls on these paths.
func (p *Pool) teardownInterface(ctx context.Context, vmid string) {
	if err := p.Network.DeleteInterface(ctx, vmid); err != nil {
		logging.Op().Warn("network interface teardown failed", "vmid", vmid, "error", err)
	}
}

func dumpCore(agent agentHandle) ([]byte, error) {
	core, err := agent.DumpIntoCore()
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindMachineDump, "dump core", err)
	}
	data, err := json.Marshal(core)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerde, "marshal core", err)
	}
	return data, nil
}

// Create provisions a new VM: volume, boot config, hypervisor process, and
// the three metadata rows, per spec §4.7 create steps 1-7. On failure after
// the volume is attached it compensates by detaching and deleting the
// volume before surfacing the error.
//
// idempotencyKey, when non-empty, is checked against IdemCache before any
// lock is acquired; a cache hit short-circuits the whole pipeline and
// returns the vmid produced by the original request. This is a pure
// fast-path in front of the documented algorithm, not a replacement for
// it, and has no effect when IdemCache is nil or the key is empty.
func (p *Pool) Create(ctx context.Context, cfg domain.CreateConfig, idempotencyKey string) (vmid string, createdAt time.Time, err error) {
	start := time.Now()
	defer recordOutcome("create", start, &err)

	if p.IdemCache != nil && idempotencyKey != "" {
		if cached, err := p.IdemCache.Get(ctx, "create:"+idempotencyKey); err == nil {
			return string(cached), time.Now(), nil
		}
	}

	vmid, createdAt, err = p.create(ctx, cfg)
	if err == nil {
		metrics.RecordVMCreated()
		if p.IdemCache != nil && idempotencyKey != "" {
			if setErr := p.IdemCache.Set(ctx, "create:"+idempotencyKey, []byte(vmid), 24*time.Hour); setErr != nil {
				logging.Op().Warn("idempotency cache set failed", "vmid", vmid, "error", setErr)
			}
		}
	}
	return vmid, createdAt, err
}

func (p *Pool) create(ctx context.Context, cfg domain.CreateConfig) (vmid string, createdAt time.Time, err error) {
	vmid = uuid.NewString()

	lease, err := p.acquireLease(ctx, vmid)
	if err != nil {
		return "", time.Time{}, err
	}
	defer lease.Release(ctx)

	kernelPath, err := p.Kernels.Resolve(cfg.KernelName, cfg.KernelVersion)
	if err != nil {
		return "", time.Time{}, err
	}

	volumeID, err := p.Storage.CreateVolume(ctx, cfg.VolumeSizeInMiB, "")
	if err != nil {
		return "", time.Time{}, err
	}

	devicePath, err := p.Storage.AttachVolume(ctx, volumeID)
	if err != nil {
		p.Storage.DeleteVolume(ctx, volumeID)
		return "", time.Time{}, err
	}

	compensate := func(cause error) (string, time.Time, error) {
		p.Storage.DetachVolume(ctx, volumeID)
		p.Storage.DeleteVolume(ctx, volumeID)
		return "", time.Time{}, cause
	}

	iface, err := p.Network.CreateInterface(ctx, vmid)
	if err != nil {
		return compensate(err)
	}

	boot := firecracker.BootConfig{
		Drives: []firecracker.Drive{{
			DriveID:      "rootfs",
			PathOnHost:   devicePath,
			IsRootDevice: true,
			PartUUID:     volumeID,
			IsReadOnly:   false,
		}},
		MemSizeMiB:        cfg.MemorySizeInMiB,
		VCPUCount:         cfg.VCPUCount,
		HTEnabled:         cfg.EnableHyperthreading,
		NetworkInterfaces: []firecracker.NetworkIface{{GuestMAC: iface.GuestMAC, IfaceID: iface.IfaceID, HostDevName: iface.HostDevName}},
		LogPath:           p.logPath(vmid),
		LogLevel:          "Info",
		LogFIFOClear:      false,
		MetricsPath:       p.metricsPath(vmid),
		MetricsFIFOClear:  false,
		InitialMetadata:   cfg.InitialMetadata,
		DisableValidation: true,
		EnableJailer:      false,
		NetworkClear:      true,
	}

	agent, err := p.newAgent(ctx, vmid, p.socketPath(vmid), kernelPath, boot, p.AgentInitTimeout, p.AgentRequestTimeout)
	if err != nil {
		p.teardownInterface(ctx, vmid)
		return compensate(err)
	}

	coreBytes, err := dumpCore(agent)
	if err != nil {
		p.teardownInterface(ctx, vmid)
		return compensate(err)
	}

	if err := p.Store.InsertCreateConfig(ctx, vmid, cfg); err != nil {
		p.teardownInterface(ctx, vmid)
		return compensate(err)
	}
	if err := p.Store.InsertCore(ctx, vmid, coreBytes, domain.StatusCreated); err != nil {
		p.teardownInterface(ctx, vmid)
		return compensate(err)
	}
	if err := p.Store.InsertVolume(ctx, vmid, volumeID); err != nil {
		p.teardownInterface(ctx, vmid)
		return compensate(err)
	}

	createdAt = time.Now()
	logging.Op().Info("vm created", "vmid", vmid, "kernel", kernelPath)
	return vmid, createdAt, nil
}

// allowedTransition implements the state machine of spec §4.7.
func allowedTransition(op string, from domain.VMStatus) bool {
	switch op {
	case "start":
		return from == domain.StatusCreated || from == domain.StatusStopped
	case "pause":
		return from == domain.StatusRunning
	case "resume":
		return from == domain.StatusPaused
	case "stop":
		return from == domain.StatusRunning || from == domain.StatusPaused
	}
	return false
}

func targetStatus(op string) domain.VMStatus {
	switch op {
	case "start":
		return domain.StatusRunning
	case "pause":
		return domain.StatusPaused
	case "resume":
		return domain.StatusRunning
	case "stop":
		return domain.StatusStopped
	}
	return domain.StatusCreated
}

// transition implements start/pause/resume/stop: rebuild, invoke the
// matching agent call, persist the new status. Disallowed transitions
// fail with ILLEGAL_STATE without touching the agent.
func (p *Pool) transition(ctx context.Context, vmid, op string) (err error) {
	start := time.Now()
	defer recordOutcome(op, start, &err)

	lease, err := p.acquireLease(ctx, vmid)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	coreBytes, status, err := p.Store.GetCore(ctx, vmid)
	if err != nil {
		return err
	}
	if !allowedTransition(op, status) {
		return vmerr.New(vmerr.KindIllegalState, fmt.Sprintf("cannot %s vm %s from status %s", op, vmid, status))
	}

	agent, err := p.rebuild(coreBytes)
	if err != nil {
		return err
	}

	switch op {
	case "start":
		err = agent.Start(ctx)
	case "pause":
		err = agent.Pause(ctx)
	case "resume":
		err = agent.Resume(ctx)
	case "stop":
		err = agent.Shutdown(ctx)
	}
	if err != nil {
		return err
	}

	newCore, err := dumpCore(agent)
	if err != nil {
		return err
	}
	if err := p.Store.UpdateCore(ctx, vmid, newCore, targetStatus(op)); err != nil {
		return err
	}
	if op == "stop" {
		metrics.RecordVMStopped()
	}
	logging.Op().Info("vm transitioned", "vmid", vmid, "op", op, "status", targetStatus(op).String())
	return nil
}

func (p *Pool) Start(ctx context.Context, vmid string) error  { return p.transition(ctx, vmid, "start") }
func (p *Pool) Pause(ctx context.Context, vmid string) error  { return p.transition(ctx, vmid, "pause") }
func (p *Pool) Resume(ctx context.Context, vmid string) error { return p.transition(ctx, vmid, "resume") }
func (p *Pool) Stop(ctx context.Context, vmid string) error   { return p.transition(ctx, vmid, "stop") }

// Delete tears down a VM unconditionally: orderly shutdown (errors
// ignored), stop the hypervisor process, mark DELETED, then remove the
// config/core rows and cascade every volume and snapshot, per spec §4.7
// delete and the open-question decision to cascade snapshots (DESIGN.md).
func (p *Pool) Delete(ctx context.Context, vmid string) (err error) {
	start := time.Now()
	defer recordOutcome("delete", start, &err)

	lease, err := p.acquireLease(ctx, vmid)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	coreBytes, status, err := p.Store.GetCore(ctx, vmid)
	if err != nil {
		return err
	}
	if status == domain.StatusDeleted {
		return vmerr.New(vmerr.KindIllegalState, fmt.Sprintf("vm %s already deleted", vmid))
	}

	agent, err := p.rebuild(coreBytes)
	if err != nil {
		return err
	}

	if err := agent.Shutdown(ctx); err != nil {
		logging.Op().Warn("orderly shutdown failed, proceeding to stop_vmm", "vmid", vmid, "error", err)
	}
	if err := agent.StopVMM(ctx); err != nil {
		return err
	}

	newCore, err := dumpCore(agent)
	if err != nil {
		return err
	}
	if err := p.Store.UpdateCore(ctx, vmid, newCore, domain.StatusDeleted); err != nil {
		return err
	}

	if err := p.Store.DeleteCreateConfig(ctx, vmid); err != nil {
		return err
	}
	if err := p.Store.DeleteCore(ctx, vmid); err != nil {
		return err
	}

	volumes, err := p.Store.ListVolumes(ctx, vmid)
	if err != nil {
		return err
	}
	for _, volumeID := range volumes {
		if err := p.Store.DeleteVolume(ctx, vmid, volumeID); err != nil {
			return err
		}
		if err := p.Storage.DetachVolume(ctx, volumeID); err != nil {
			logging.Op().Warn("detach volume during delete failed", "vmid", vmid, "volume", volumeID, "error", err)
		}
		if err := p.Storage.DeleteVolume(ctx, volumeID); err != nil {
			logging.Op().Warn("delete volume during delete failed", "vmid", vmid, "volume", volumeID, "error", err)
		}
	}

	snapshots, err := p.Store.ListSnapshots(ctx, vmid)
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		if err := removeSnapshotFiles(snap); err != nil {
			logging.Op().Warn("remove snapshot files during delete failed", "vmid", vmid, "snapshot", snap.SnapshotID, "error", err)
		}
		if err := p.Store.DeleteSnapshot(ctx, vmid, snap.SnapshotID); err != nil {
			return err
		}
	}

	p.teardownInterface(ctx, vmid)

	logging.Op().Info("vm deleted", "vmid", vmid, "volumes", len(volumes), "snapshots", len(snapshots))
	return nil
}

// ModifyMetadata rebuilds the agent and replaces the guest-visible
// metadata document. No status or core row is written.
func (p *Pool) ModifyMetadata(ctx context.Context, vmid, metadataStr string) (err error) {
	start := time.Now()
	defer recordOutcome("modify_metadata", start, &err)

	lease, err := p.acquireLease(ctx, vmid)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	coreBytes, _, err := p.Store.GetCore(ctx, vmid)
	if err != nil {
		return err
	}
	agent, err := p.rebuild(coreBytes)
	if err != nil {
		return err
	}
	return agent.UpdateMetadata(ctx, metadataStr)
}

// GetStatus rebuilds the agent and returns a read-only composite view. It
// performs no mutation.
func (p *Pool) GetStatus(ctx context.Context, vmid string) (view StatusView, err error) {
	start := time.Now()
	defer recordOutcome("get_status", start, &err)

	lease, err := p.acquireLease(ctx, vmid)
	if err != nil {
		return StatusView{}, err
	}
	defer lease.Release(ctx)

	coreBytes, status, err := p.Store.GetCore(ctx, vmid)
	if err != nil {
		return StatusView{}, err
	}
	agent, err := p.rebuild(coreBytes)
	if err != nil {
		return StatusView{}, err
	}

	info, err := agent.DescribeInstanceInfo(ctx)
	if err != nil {
		return StatusView{}, err
	}
	fullCfg, err := agent.GetExportVMConfig(ctx)
	if err != nil {
		return StatusView{}, err
	}
	bootCfg, err := agent.GetConfig(ctx)
	if err != nil {
		return StatusView{}, err
	}

	return StatusView{
		VMID:       vmid,
		Status:     status,
		VMInfo:     info,
		FullConfig: fullCfg,
		BootConfig: bootCfg,
	}, nil
}

// CreateMemSnapshot writes a memory + VM-state snapshot pair. The
// orchestrator does not auto-pause; the caller must ensure the VM is
// PAUSED first (the agent call fails with SNAPSHOT_CREATE otherwise).
func (p *Pool) CreateMemSnapshot(ctx context.Context, vmid string) (snapshotID string, err error) {
	start := time.Now()
	defer recordOutcome("create_snapshot", start, &err)

	lease, err := p.acquireLease(ctx, vmid)
	if err != nil {
		return "", err
	}
	defer lease.Release(ctx)

	coreBytes, _, err := p.Store.GetCore(ctx, vmid)
	if err != nil {
		return "", err
	}
	agent, err := p.rebuild(coreBytes)
	if err != nil {
		return "", err
	}

	snapshotID = uuid.NewString()
	dir := p.snapshotDir(vmid)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	memPath := filepath.Join(dir, snapshotID+".mem")
	vmPath := filepath.Join(dir, snapshotID+".vm")

	if err := agent.CreateSnapshot(ctx, memPath, vmPath); err != nil {
		return "", err
	}

	snap := domain.Snapshot{VMID: vmid, SnapshotID: snapshotID, MemFilePath: memPath, VMFilePath: vmPath}
	if err := p.Store.InsertSnapshot(ctx, snap); err != nil {
		return "", err
	}
	return snapshotID, nil
}

// DeleteMemSnapshot removes both files then the row. A missing file
// surfaces as IO; it is the caller's responsibility to treat that as
// success if desired.
func (p *Pool) DeleteMemSnapshot(ctx context.Context, vmid, snapshotID string) (err error) {
	start := time.Now()
	defer recordOutcome("delete_snapshot", start, &err)

	lease, err := p.acquireLease(ctx, vmid)
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	snaps, err := p.Store.ListSnapshots(ctx, vmid)
	if err != nil {
		return err
	}
	var target *domain.Snapshot
	for i := range snaps {
		if snaps[i].SnapshotID == snapshotID {
			target = &snaps[i]
			break
		}
	}
	if target == nil {
		return vmerr.New(vmerr.KindVMNotFound, fmt.Sprintf("snapshot %s for vm %s not found", snapshotID, vmid))
	}

	if err := removeSnapshotFiles(*target); err != nil {
		return err
	}
	return p.Store.DeleteSnapshot(ctx, vmid, snapshotID)
}
