// Package domain holds the core data types of the VM pool: pools, VMs,
// creation configs, volumes, and snapshots (spec §3).
package domain

import "time"

// VMStatus is the lifecycle status of a VM row in the machine-core table.
type VMStatus int

const (
	StatusCreated VMStatus = 1
	StatusRunning VMStatus = 2
	StatusPaused  VMStatus = 3
	StatusStopped VMStatus = 4
	StatusDeleted VMStatus = 5
)

func (s VMStatus) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusRunning:
		return "RUNNING"
	case StatusPaused:
		return "PAUSED"
	case StatusStopped:
		return "STOPPED"
	case StatusDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// CreateConfig is the original creation request for a VM (MachineCreateConfig
// in the HTTP API).
type CreateConfig struct {
	MemorySizeInMiB      int32  `json:"memory_size_in_mib"`
	VCPUCount            int32  `json:"vcpu_count"`
	KernelName           string `json:"kernel_name"`
	KernelVersion        string `json:"kernel_version"`
	EnableHyperthreading bool   `json:"enable_hyperthreading,omitempty"`
	InitialMetadata      string `json:"initial_metadata,omitempty"`
	VolumeSizeInMiB      int32  `json:"volume_size_in_mib"`
}

// Volume is a block volume attached to a VM, owned by the storage manager.
type Volume struct {
	VMID     string `json:"vmid"`
	VolumeID string `json:"volume_id"`
}

// Snapshot is a pair of memory-state and VM-state files produced by
// create_mem_snapshot.
type Snapshot struct {
	VMID         string `json:"vmid"`
	SnapshotID   string `json:"snapshot_id"`
	MemFilePath  string `json:"mem_file_path"`
	VMFilePath   string `json:"vm_file_path"`
}

// MachineCore is a row in the machine_core table: the opaque agent handle
// plus the current lifecycle status.
type MachineCore struct {
	VMID   string          `json:"vmid"`
	Core   []byte          `json:"core"` // JSON-encoded firecracker.Core
	Status VMStatus        `json:"status"`
}

// VM gathers one VM's data from all four tables into a single value. The
// orchestrator does not build it; Delete reads each table separately.
type VM struct {
	VMID         string
	Status       VMStatus
	CreateConfig CreateConfig
	Volumes      []string
	Snapshots    []Snapshot
	CreatedAt    time.Time
}

// Pool is the process-wide identity of a single control-plane instance.
// ID is a 128-bit UUID with hyphens stripped (32 lowercase hex characters)
// so it is safe to interpolate directly into a SQL identifier; it still
// namespaces table names and filesystem paths.
type Pool struct {
	ID string
}

// TableName derives a per-pool table name: <base>_<pool_id>.
func (p Pool) TableName(base string) string {
	return base + "_" + p.ID
}
