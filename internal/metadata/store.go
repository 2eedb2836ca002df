// Package metadata implements the Metadata Store (C2): typed CRUD over the
// four per-pool tables (machine_core, vmconfig, snapshots, volume), each
// suffixed with the pool id. Table identifiers are validated once, at
// construction time, and never built from caller-supplied data afterward.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/oriys/nova/internal/db"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/vmerr"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateIdentifier rejects any table name that is not composed solely of
// letters, digits, and underscores, preventing SQL injection through the
// table-name interpolation this store performs.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return vmerr.New(vmerr.KindDBCreate, fmt.Sprintf("invalid table identifier %q", name))
	}
	return nil
}

// Tables holds the four validated, fully-qualified table names for one
// pool instance.
type Tables struct {
	MachineCore string
	VMConfig    string
	Snapshot    string
	Volume      string
}

// NewTables derives and validates the four table names for pool p, applying
// any non-empty override.
func NewTables(p domain.Pool, coreOverride, configOverride, snapshotOverride, volumeOverride string) (Tables, error) {
	t := Tables{
		MachineCore: firstNonEmpty(coreOverride, p.TableName("machine_core")),
		VMConfig:    firstNonEmpty(configOverride, p.TableName("vmconfig")),
		Snapshot:    firstNonEmpty(snapshotOverride, p.TableName("snapshots")),
		Volume:      firstNonEmpty(volumeOverride, p.TableName("volume")),
	}
	for _, name := range []string{t.MachineCore, t.VMConfig, t.Snapshot, t.Volume} {
		if err := ValidateIdentifier(name); err != nil {
			return Tables{}, err
		}
	}
	return t, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Store is the C2 Metadata Store, backed by any db.Database implementation.
type Store struct {
	conn   db.Database
	tables Tables
}

// New wraps conn with tables as given; validation happens in NewTables.
// Callers are expected to run Bootstrap (drop/create) before using the
// Store for request traffic.
func New(conn db.Database, tables Tables) *Store {
	return &Store{conn: conn, tables: tables}
}

// Bootstrap issues DROP then CREATE for each of the four tables, per spec
// §4.8 and §9 (the pool is ephemeral by design: rows left by an earlier
// run are dropped).
func (s *Store) Bootstrap(ctx context.Context) error {
	drops := []string{
		"DROP TABLE IF EXISTS " + s.tables.MachineCore,
		"DROP TABLE IF EXISTS " + s.tables.VMConfig,
		"DROP TABLE IF EXISTS " + s.tables.Snapshot,
		"DROP TABLE IF EXISTS " + s.tables.Volume,
	}
	for _, stmt := range drops {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return vmerr.Wrap(vmerr.KindDBDrop, stmt, err)
		}
	}

	creates := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			vmid UUID PRIMARY KEY,
			core JSONB NOT NULL,
			status INT NOT NULL
		)`, s.tables.MachineCore),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			vmid UUID PRIMARY KEY,
			config JSONB NOT NULL
		)`, s.tables.VMConfig),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			vmid UUID NOT NULL,
			snapshot_id UUID NOT NULL,
			mem_file_path TEXT NOT NULL,
			vm_file_path TEXT NOT NULL,
			PRIMARY KEY (vmid, snapshot_id)
		)`, s.tables.Snapshot),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			vmid UUID NOT NULL,
			volume_id UUID NOT NULL,
			PRIMARY KEY (vmid, volume_id)
		)`, s.tables.Volume),
	}
	for _, stmt := range creates {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return vmerr.Wrap(vmerr.KindDBCreate, stmt, err)
		}
	}
	return nil
}

// --- machine_core ---

func (s *Store) InsertCore(ctx context.Context, vmid string, core []byte, status domain.VMStatus) error {
	stmt := fmt.Sprintf("INSERT INTO %s (vmid, core, status) VALUES ($1, $2, $3)", s.tables.MachineCore)
	_, err := s.conn.Exec(ctx, stmt, vmid, core, int(status))
	return vmerr.Wrap(vmerr.KindDBInsert, "insert_core", err)
}

func (s *Store) GetCore(ctx context.Context, vmid string) (core []byte, status domain.VMStatus, err error) {
	stmt := fmt.Sprintf("SELECT core, status FROM %s WHERE vmid = $1", s.tables.MachineCore)
	row := s.conn.QueryRow(ctx, stmt, vmid)
	var st int
	if err := row.Scan(&core, &st); err != nil {
		return nil, 0, vmerr.Wrap(vmerr.KindVMNotFound, vmid, err)
	}
	return core, domain.VMStatus(st), nil
}

func (s *Store) UpdateCore(ctx context.Context, vmid string, core []byte, status domain.VMStatus) error {
	stmt := fmt.Sprintf("UPDATE %s SET core = $2, status = $3 WHERE vmid = $1", s.tables.MachineCore)
	res, err := s.conn.Exec(ctx, stmt, vmid, core, int(status))
	if err != nil {
		return vmerr.Wrap(vmerr.KindDBUpdate, "update_core", err)
	}
	if res.RowsAffected() == 0 {
		return vmerr.New(vmerr.KindVMNotFound, vmid)
	}
	return nil
}

func (s *Store) DeleteCore(ctx context.Context, vmid string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE vmid = $1", s.tables.MachineCore)
	_, err := s.conn.Exec(ctx, stmt, vmid)
	return vmerr.Wrap(vmerr.KindDBDelete, "delete_core", err)
}

// --- vmconfig ---

func (s *Store) InsertCreateConfig(ctx context.Context, vmid string, cfg domain.CreateConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerde, "marshal create_config", err)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (vmid, config) VALUES ($1, $2)", s.tables.VMConfig)
	_, err = s.conn.Exec(ctx, stmt, vmid, data)
	return vmerr.Wrap(vmerr.KindDBInsert, "insert_create_config", err)
}

func (s *Store) GetCreateConfig(ctx context.Context, vmid string) (domain.CreateConfig, error) {
	var cfg domain.CreateConfig
	stmt := fmt.Sprintf("SELECT config FROM %s WHERE vmid = $1", s.tables.VMConfig)
	row := s.conn.QueryRow(ctx, stmt, vmid)
	var data []byte
	if err := row.Scan(&data); err != nil {
		return cfg, vmerr.Wrap(vmerr.KindDBFetch, "get_create_config", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, vmerr.Wrap(vmerr.KindSerde, "unmarshal create_config", err)
	}
	return cfg, nil
}

func (s *Store) DeleteCreateConfig(ctx context.Context, vmid string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE vmid = $1", s.tables.VMConfig)
	_, err := s.conn.Exec(ctx, stmt, vmid)
	return vmerr.Wrap(vmerr.KindDBDelete, "delete_create_config", err)
}

// --- volume ---

func (s *Store) InsertVolume(ctx context.Context, vmid, volumeID string) error {
	stmt := fmt.Sprintf("INSERT INTO %s (vmid, volume_id) VALUES ($1, $2)", s.tables.Volume)
	_, err := s.conn.Exec(ctx, stmt, vmid, volumeID)
	return vmerr.Wrap(vmerr.KindDBInsert, "insert_volume", err)
}

func (s *Store) DeleteVolume(ctx context.Context, vmid, volumeID string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE vmid = $1 AND volume_id = $2", s.tables.Volume)
	_, err := s.conn.Exec(ctx, stmt, vmid, volumeID)
	return vmerr.Wrap(vmerr.KindDBDelete, "delete_volume", err)
}

func (s *Store) ListVolumes(ctx context.Context, vmid string) ([]string, error) {
	stmt := fmt.Sprintf("SELECT volume_id FROM %s WHERE vmid = $1", s.tables.Volume)
	rows, err := s.conn.Query(ctx, stmt, vmid)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDBFetch, "list_volumes", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, vmerr.Wrap(vmerr.KindDBFetch, "list_volumes scan", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, vmerr.Wrap(vmerr.KindDBFetch, "list_volumes iterate", err)
	}
	return out, nil
}

// --- snapshots ---

func (s *Store) InsertSnapshot(ctx context.Context, snap domain.Snapshot) error {
	stmt := fmt.Sprintf("INSERT INTO %s (vmid, snapshot_id, mem_file_path, vm_file_path) VALUES ($1, $2, $3, $4)", s.tables.Snapshot)
	_, err := s.conn.Exec(ctx, stmt, snap.VMID, snap.SnapshotID, snap.MemFilePath, snap.VMFilePath)
	return vmerr.Wrap(vmerr.KindDBInsert, "insert_snapshot", err)
}

func (s *Store) DeleteSnapshot(ctx context.Context, vmid, snapshotID string) error {
	stmt := fmt.Sprintf("DELETE FROM %s WHERE vmid = $1 AND snapshot_id = $2", s.tables.Snapshot)
	_, err := s.conn.Exec(ctx, stmt, vmid, snapshotID)
	return vmerr.Wrap(vmerr.KindDBDelete, "delete_snapshot", err)
}

func (s *Store) ListSnapshots(ctx context.Context, vmid string) ([]domain.Snapshot, error) {
	stmt := fmt.Sprintf("SELECT vmid, snapshot_id, mem_file_path, vm_file_path FROM %s WHERE vmid = $1", s.tables.Snapshot)
	rows, err := s.conn.Query(ctx, stmt, vmid)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDBFetch, "list_snapshots", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		var snap domain.Snapshot
		if err := rows.Scan(&snap.VMID, &snap.SnapshotID, &snap.MemFilePath, &snap.VMFilePath); err != nil {
			return nil, vmerr.Wrap(vmerr.KindDBFetch, "list_snapshots scan", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, vmerr.Wrap(vmerr.KindDBFetch, "list_snapshots iterate", err)
	}
	return out, nil
}
