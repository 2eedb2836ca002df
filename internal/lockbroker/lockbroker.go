// Package lockbroker implements the per-VM leased exclusion lock (C1) that
// serialises state-changing operations across control-plane replicas. It
// is backed by etcd: a lease bounds how long a lock can be held without
// being explicitly released, and the lock itself is a named mutex bound to
// that lease.
package lockbroker

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/vmerr"
)

const lockKeyPrefix = "/lock/vm/"

// Broker acquires and releases per-vmid leased locks against a shared etcd
// cluster. A single Broker is safe for concurrent use across arbitrarily
// many vmids: it holds no per-vmid state of its own, only the shared
// *clientv3.Client.
type Broker struct {
	client *clientv3.Client
	prefix string
}

// Config configures the etcd connection underlying the broker.
type Config struct {
	Endpoints []string
	Username  string
	Password  string
	// Prefix namespaces lock keys, e.g. "/nova" -> "/nova/lock/vm/<vmid>".
	Prefix string
}

// New dials the etcd cluster described by cfg. The returned Broker owns the
// client and must be closed via Close when the pool shuts down.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: cfg.Endpoints,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Context:   ctx,
	})
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindKVRPC, "dial etcd", err)
	}
	return &Broker{client: cli, prefix: cfg.Prefix}, nil
}

// Close releases the underlying etcd client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Lease represents a held lock. Release must be called exactly once,
// regardless of whether the operation that acquired it succeeded or
// failed.
type Lease struct {
	vmid    string
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (b *Broker) key(vmid string) string {
	return b.prefix + lockKeyPrefix + vmid
}

// Acquire grants a KV lease of leaseSeconds, then blocks until the named
// lock for vmid is acquired, bound to that lease. Acquisition may suspend
// indefinitely; callers control how long they are willing to wait via ctx.
//
// Fails with vmerr.KindLockUnavailable if the KV call fails or ctx is
// cancelled before the lock is granted.
func (b *Broker) Acquire(ctx context.Context, vmid string, leaseSeconds int) (*Lease, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 120
	}
	session, err := concurrency.NewSession(b.client, concurrency.WithTTL(leaseSeconds), concurrency.WithContext(ctx))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindLockUnavailable, fmt.Sprintf("new session for vmid %s", vmid), err)
	}

	mutex := concurrency.NewMutex(session, b.key(vmid))
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		return nil, vmerr.Wrap(vmerr.KindLockUnavailable, fmt.Sprintf("lock vmid %s", vmid), err)
	}

	return &Lease{vmid: vmid, session: session, mutex: mutex}, nil
}

// Release unlocks and closes the session. It is best-effort: failures are
// logged, never returned, since the caller's own operation result must not
// be masked by a lock-release failure. If the process dies before Release
// is called, the lease expires server-side and the lock is reclaimed
// automatically — that is the crash-recovery mechanism described in the
// broker's contract.
func (l *Lease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	if err := l.mutex.Unlock(ctx); err != nil {
		logging.Op().Warn("lock release failed, relying on lease expiry", "vmid", l.vmid, "error", err)
	}
	if err := l.session.Close(); err != nil {
		logging.Op().Warn("lock session close failed", "vmid", l.vmid, "error", err)
	}
}
