package vmpool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/db"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/kernel"
	"github.com/oriys/nova/internal/lockbroker"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metadata"
	"github.com/oriys/nova/internal/networkclient"
	"github.com/oriys/nova/internal/storageclient"
	"github.com/oriys/nova/internal/vmerr"
)

const defaultLeaseSeconds = 120

// networkScriptSentinelPrefix selects the local host-script network client
// instead of the HTTP-backed one, per spec §4.4: NETWORK_MGR_ADDR of the
// form "script://<bridge_name>" provisions taps locally via `ip`/`iptables`
// rather than calling a real network manager service.
const networkScriptSentinelPrefix = "script://"

// newNetworkClient selects and (for the HTTP-backed client) health-checks
// the network collaborator named by addr.
func newNetworkClient(ctx context.Context, addr string) (networkclient.Client, error) {
	if strings.HasPrefix(addr, networkScriptSentinelPrefix) {
		bridgeName := strings.TrimPrefix(addr, networkScriptSentinelPrefix)
		return networkclient.NewHostScriptClient(bridgeName), nil
	}

	client := networkclient.NewHTTPClient(addr)
	if err := client.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Bootstrap implements C8: opens the DB pool, connects to the lock
// broker, builds the storage/network/kernel collaborators, derives a
// fresh pool id, (re)creates the four metadata tables, and health-checks
// both managers before the pool accepts traffic (spec §4.8).
func Bootstrap(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolID := uuid.New()
	logging.Op().Info("bootstrapping pool", "pool_id", poolID.String())

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s", cfg.DatabaseUser, cfg.DatabasePassword, cfg.DatabaseURL, cfg.DatabaseName)
	conn, err := db.NewPostgresDatabase(ctx, dsn, 10)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDBConnect, "open database pool", err)
	}

	locks, err := lockbroker.New(ctx, lockbroker.Config{
		Endpoints: []string{cfg.EtcdURL},
		Username:  cfg.EtcdUser,
		Password:  cfg.EtcdPassword,
		Prefix:    cfg.EtcdPrefix,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	storage := storageclient.New(cfg.StorageMgrAddr, 10*time.Second)
	if err := storage.HealthCheck(ctx); err != nil {
		locks.Close()
		conn.Close()
		return nil, err
	}

	network, err := newNetworkClient(ctx, cfg.NetworkMgrAddr)
	if err != nil {
		locks.Close()
		conn.Close()
		return nil, err
	}

	poolIDHex := strings.ReplaceAll(poolID.String(), "-", "")
	tables, err := metadata.NewTables(domain.Pool{ID: poolIDHex}, cfg.MachineCoreTableName, cfg.VMConfigTableName, cfg.SnapshotTableName, cfg.VolumeTableName)
	if err != nil {
		locks.Close()
		conn.Close()
		return nil, err
	}

	store := metadata.New(conn, tables)
	if err := store.Bootstrap(ctx); err != nil {
		locks.Close()
		conn.Close()
		return nil, err
	}

	// The idempotency cache always runs: Redis when REDIS_ADDR is set, an
	// in-process fallback otherwise. Either way it stays a pure fast-path
	// in front of Create's documented algorithm (SPEC_FULL §11.1).
	var idemCache cache.Cache
	if cfg.RedisAddr != "" {
		idemCache = cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "nova:idem:" + poolID.String() + ":",
		})
	} else {
		idemCache = cache.NewInMemoryCache()
	}

	pool := &Pool{
		ID:                  poolID,
		Locks:               locks,
		Store:               store,
		Storage:             storage,
		Network:             network,
		Kernels:             kernel.New(cfg.KernelListFile),
		IdemCache:           idemCache,
		SocketsDir:          cfg.SocketsDir,
		LogsDir:             cfg.LogsDir,
		MetricsDir:          cfg.MetricsDir,
		SnapshotDir:         cfg.MemorySnapshotDir,
		AgentInitTimeout:    cfg.AgentInitTimeout,
		AgentRequestTimeout: cfg.AgentRequestTimeout,
		LeaseSeconds:        defaultLeaseSeconds,
		newAgent:            defaultNewAgent,
		rebuildAgent:        defaultRebuildAgent,
	}

	logging.Op().Info("pool bootstrap complete", "pool_id", poolID.String())
	return pool, nil
}

// Close releases the pool's shared collaborators. Call once on graceful
// shutdown.
func (p *Pool) Close() {
	if p.Locks != nil {
		p.Locks.Close()
	}
	if p.IdemCache != nil {
		p.IdemCache.Close()
	}
}
