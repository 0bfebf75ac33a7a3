package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"evalgo.org/lares/models"
)

// isUniqueViolation reports whether err is a SQLite constraint failure, as
// raised when two upserts race to insert the same (hostname, ip) identity.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// ErrNotFound is returned when a device lookup misses.
var ErrNotFound = errors.New("device not found")

// UpsertOutcome reports what an upsert did.
type UpsertOutcome struct {
	Created bool   `json:"created"`
	Version int64  `json:"version"`
	ID      string `json:"id"`
}

// UpsertOptions tune merge behavior.
type UpsertOptions struct {
	// ResetFields names fact fields to clear even when the incoming value
	// is null/zero (normally non-null wins and zero values are ignored).
	ResetFields []string

	// Discovered marks this upsert as the result of a discovery run: it
	// stamps last_discovery_at and records "discovered" history instead of
	// "updated".
	Discovered bool
}

// Upsert inserts or merges a device. The (hostname, ip_address) pair is the
// identity; a new pair inserts and emits created history, an existing one
// merges (non-null wins for discovered facts) and emits updated/discovered
// history carrying the field diff.
func (s *Store) Upsert(ctx context.Context, incoming *models.Device, opts UpsertOptions) (*UpsertOutcome, error) {
	if incoming.Hostname == "" && incoming.IPAddress == "" {
		return nil, fmt.Errorf("device needs a hostname or an ip address")
	}

	existing, err := s.findByIdentity(ctx, incoming.Hostname, incoming.IPAddress)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()

	if existing == nil {
		device := *incoming
		if device.ID == "" {
			device.ID = uuid.NewString()
		}
		if device.Role == "" {
			device.Role = models.RoleUnknown
		}
		device.CreatedAt = now
		device.LastSeenAt = &now
		if opts.Discovered {
			device.LastDiscoveryAt = &now
		}
		device.Version = 1

		lock := s.deviceLock(device.ID)
		lock.Lock()
		defer lock.Unlock()

		if err := s.insert(ctx, &device); err != nil {
			// A concurrent upsert may have created the same identity
			// between the lookup and the insert; merge into that row.
			if isUniqueViolation(err) {
				return s.Upsert(ctx, incoming, opts)
			}
			return nil, err
		}
		return &UpsertOutcome{Created: true, Version: 1, ID: device.ID}, nil
	}

	lock := s.deviceLock(existing.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so concurrent upserts merge sequentially.
	existing, err = s.Get(ctx, existing.ID)
	if err != nil {
		return nil, err
	}

	merged, diff := MergeDevice(existing, incoming, opts.ResetFields)
	merged.LastSeenAt = &now
	if opts.Discovered {
		merged.LastDiscoveryAt = &now
	}

	if len(diff) == 0 && !opts.Discovered {
		// Nothing changed; refresh last_seen_at without a version bump. The
		// doc is rewritten too so its timestamp agrees with the column.
		doc, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("encode device: %w", err)
		}
		_, err = s.db.ExecContext(ctx,
			"UPDATE devices SET doc = ?, last_seen_at = ? WHERE id = ?",
			string(doc), now.Format(time.RFC3339Nano), existing.ID)
		if err != nil {
			return nil, err
		}
		return &UpsertOutcome{Created: false, Version: existing.Version, ID: existing.ID}, nil
	}

	merged.Version = existing.Version + 1

	kind := models.HistoryUpdated
	if opts.Discovered {
		kind = models.HistoryDiscovered
	}

	if err := s.update(ctx, merged, kind, diff); err != nil {
		return nil, err
	}
	return &UpsertOutcome{Created: false, Version: merged.Version, ID: merged.ID}, nil
}

// insert writes a new device plus its created history entry atomically.
func (s *Store) insert(ctx context.Context, device *models.Device) error {
	doc, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (id, hostname, ip_address, doc, version, created_at, last_seen_at, last_discovery_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID, device.Hostname, device.IPAddress, string(doc), device.Version,
		device.CreatedAt.Format(time.RFC3339Nano), timePtr(device.LastSeenAt), timePtr(device.LastDiscoveryAt))
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}

	if err := appendHistory(ctx, tx, device.ID, models.HistoryCreated, map[string]any{
		"hostname":   device.Hostname,
		"ip_address": device.IPAddress,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// update persists a merged device and appends a history entry atomically.
func (s *Store) update(ctx context.Context, device *models.Device, kind models.HistoryKind, diff map[string]any) error {
	doc, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE devices
		SET hostname = ?, ip_address = ?, doc = ?, version = ?, last_seen_at = ?, last_discovery_at = ?
		WHERE id = ? AND version = ?`,
		device.Hostname, device.IPAddress, string(doc), device.Version,
		timePtr(device.LastSeenAt), timePtr(device.LastDiscoveryAt),
		device.ID, device.Version-1)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: concurrent modification", device.ID)
	}

	if err := appendHistory(ctx, tx, device.ID, kind, diff); err != nil {
		return err
	}

	return tx.Commit()
}

func appendHistory(ctx context.Context, tx *sql.Tx, deviceID string, kind models.HistoryKind, diff map[string]any) error {
	var diffJSON []byte
	if len(diff) > 0 {
		var err error
		diffJSON, err = json.Marshal(diff)
		if err != nil {
			return fmt.Errorf("encode diff: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_history (device_id, timestamp, kind, diff)
		VALUES (?, ?, ?, ?)`,
		deviceID, time.Now().UTC().Format(time.RFC3339Nano), string(kind), string(diffJSON))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Get fetches a device by its ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Device, error) {
	return s.scanOne(ctx, "SELECT doc, version, refreshing FROM devices WHERE id = ?", id)
}

// Resolve fetches a device by ID, hostname, or IP address, in that order.
func (s *Store) Resolve(ctx context.Context, ref string) (*models.Device, error) {
	device, err := s.Get(ctx, ref)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	device, err = s.scanOne(ctx, "SELECT doc, version, refreshing FROM devices WHERE hostname = ?", ref)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.scanOne(ctx, "SELECT doc, version, refreshing FROM devices WHERE ip_address = ?", ref)
}

// findByIdentity locates a device by the (hostname, ip) identity pair.
func (s *Store) findByIdentity(ctx context.Context, hostname, ip string) (*models.Device, error) {
	switch {
	case hostname != "" && ip != "":
		device, err := s.scanOne(ctx,
			"SELECT doc, version, refreshing FROM devices WHERE hostname = ? AND ip_address = ?", hostname, ip)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return device, err
		}
		// Partial matches catch a device learned first by only one field.
		device, err = s.scanOne(ctx,
			"SELECT doc, version, refreshing FROM devices WHERE hostname = ? AND ip_address = ''", hostname)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return device, err
		}
		return s.scanOne(ctx,
			"SELECT doc, version, refreshing FROM devices WHERE hostname = '' AND ip_address = ?", ip)
	case hostname != "":
		return s.scanOne(ctx, "SELECT doc, version, refreshing FROM devices WHERE hostname = ?", hostname)
	default:
		return s.scanOne(ctx, "SELECT doc, version, refreshing FROM devices WHERE ip_address = ?", ip)
	}
}

func (s *Store) scanOne(ctx context.Context, query string, args ...any) (*models.Device, error) {
	var doc string
	var version int64
	var refreshing int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc, &version, &refreshing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	device := &models.Device{}
	if err := json.Unmarshal([]byte(doc), device); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	device.Version = version

	services, err := s.servicesFor(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	device.Services = services
	return device, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Role      models.DeviceRole
	StaleOnly bool
	Threshold time.Duration
	// Deployable selects devices not excluded from deployments.
	Deployable bool
}

// List returns devices matching the filter, ordered by hostname.
func (s *Store) List(ctx context.Context, filter Filter) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT doc, version, refreshing FROM devices ORDER BY hostname, ip_address")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var doc string
		var version int64
		var refreshing int
		if err := rows.Scan(&doc, &version, &refreshing); err != nil {
			return nil, err
		}
		device := &models.Device{}
		if err := json.Unmarshal([]byte(doc), device); err != nil {
			return nil, fmt.Errorf("decode device: %w", err)
		}
		device.Version = version

		if filter.Role != "" && device.Role != filter.Role {
			continue
		}
		if filter.Deployable && device.ExcludedFromDeployments {
			continue
		}
		if filter.StaleOnly && !isStale(device, filter.Threshold) {
			continue
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, device := range devices {
		services, err := s.servicesFor(ctx, device.ID)
		if err != nil {
			return nil, err
		}
		device.Services = services
	}
	return devices, nil
}

// Delete removes a device and appends a deleted history entry. History for
// the device is retained.
func (s *Store) Delete(ctx context.Context, id string) error {
	lock := s.deviceLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := appendHistory(ctx, tx, id, models.HistoryDeleted, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetRole updates the homelab role, exclusion flag, and notes in one
// transaction, recording role_changed history.
func (s *Store) SetRole(ctx context.Context, id string, role models.DeviceRole, excluded *bool, notes *string) (*models.Device, error) {
	lock := s.deviceLock(id)
	lock.Lock()
	defer lock.Unlock()

	device, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	diff := map[string]any{}
	if role != "" && role != device.Role {
		diff["role"] = map[string]any{"from": device.Role, "to": role}
		device.Role = role
	}
	if excluded != nil && *excluded != device.ExcludedFromDeployments {
		diff["excluded_from_deployments"] = *excluded
		device.ExcludedFromDeployments = *excluded
	}
	if notes != nil && *notes != device.Notes {
		diff["notes"] = *notes
		device.Notes = *notes
	}
	if len(diff) == 0 {
		return device, nil
	}

	device.Version++
	if err := s.update(ctx, device, models.HistoryRoleChanged, diff); err != nil {
		return nil, err
	}
	return device, nil
}

// History returns the device's history entries, oldest first, optionally
// limited to entries after since.
func (s *Store) History(ctx context.Context, deviceID string, since *time.Time) ([]models.HistoryEntry, error) {
	query := "SELECT id, device_id, timestamp, kind, diff FROM device_history WHERE device_id = ?"
	args := []any{deviceID}
	if since != nil {
		query += " AND timestamp > ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var entry models.HistoryEntry
		var ts, kind string
		var diff sql.NullString
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &ts, &kind, &diff); err != nil {
			return nil, err
		}
		entry.Kind = models.HistoryKind(kind)
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if diff.Valid && diff.String != "" {
			if err := json.Unmarshal([]byte(diff.String), &entry.Diff); err != nil {
				return nil, fmt.Errorf("decode history diff: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
