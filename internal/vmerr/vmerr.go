// Package vmerr defines the single error-kind enumeration surfaced at the
// HTTP boundary. Every error the orchestrator and its collaborators return
// is, or wraps, a *vmerr.Error so that handlers can render a stable string
// representation without inspecting concrete types.
package vmerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a failure.
type Kind string

const (
	KindVMNotFound       Kind = "VM_NOT_FOUND"
	KindKernelNotFound   Kind = "KERNEL_NOT_FOUND"
	KindSerde            Kind = "SERDE"
	KindKVRPC            Kind = "KV_RPC"
	KindHTTPRPC          Kind = "HTTP_RPC"
	KindIO               Kind = "IO"
	KindDBConnect        Kind = "DB_CONNECT"
	KindDBDrop           Kind = "DB_DROP"
	KindDBCreate         Kind = "DB_CREATE"
	KindDBInsert         Kind = "DB_INSERT"
	KindDBDelete         Kind = "DB_DELETE"
	KindDBFetch          Kind = "DB_FETCH"
	KindDBUpdate         Kind = "DB_UPDATE"
	KindMachineCreate    Kind = "MACHINE_CREATE"
	KindMachineDump      Kind = "MACHINE_DUMP"
	KindMachineRebuild   Kind = "MACHINE_REBUILD"
	KindMachineStart     Kind = "MACHINE_START"
	KindMachinePause     Kind = "MACHINE_PAUSE"
	KindMachineResume    Kind = "MACHINE_RESUME"
	KindMachineStop      Kind = "MACHINE_STOP"
	KindMachineDelete    Kind = "MACHINE_DELETE"
	KindMachineQuery     Kind = "MACHINE_QUERY"
	KindSnapshotCreate   Kind = "SNAPSHOT_CREATE"
	KindSnapshotDelete   Kind = "SNAPSHOT_DELETE"
	KindNetworkProvision Kind = "NETWORK_PROVISION"
	KindStorageRPC       Kind = "STORAGE_RPC"
	KindEnv              Kind = "ENV" // parameterized: ENV_<VAR_NAME>
	KindIllegalState     Kind = "ILLEGAL_STATE"
	KindLockUnavailable  Kind = "LOCK_UNAVAILABLE"
)

// Error is the concrete error type carrying a Kind and an optional wrapped
// cause.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error wrapping cause. If cause is nil, Wrap returns
// nil so callers can use it inline in an `if err != nil` chain.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// EnvKind builds the ENV_<NAME> kind for a missing required variable.
func EnvKind(name string) Kind {
	return Kind("ENV_" + name)
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns ""
// if err does not wrap a *vmerr.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is, or wraps, a *vmerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
