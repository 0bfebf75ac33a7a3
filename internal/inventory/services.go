package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	"evalgo.org/lares/models"
)

// RecordService stores an installed service record on a device and appends
// service_installed history, atomically.
func (s *Store) RecordService(ctx context.Context, deviceID string, record models.ServiceRecord) error {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.Get(ctx, deviceID); err != nil {
		return err
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode service record: %w", err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_services (device_id, service_name, doc)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, service_name) DO UPDATE SET doc = excluded.doc`,
		deviceID, record.ServiceName, string(doc))
	if err != nil {
		return fmt.Errorf("record service: %w", err)
	}

	if err := appendHistory(ctx, tx, deviceID, models.HistoryServiceInstalled, map[string]any{
		"service_name":  record.ServiceName,
		"method":        record.Method,
		"config_digest": record.ConfigDigest,
		"health":        record.Health,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// ForgetService removes a service record and appends service_removed
// history. Removing an absent record is a no-op. The failure detail, if
// any, is recorded in the history diff.
func (s *Store) ForgetService(ctx context.Context, deviceID, serviceName string, failure string) error {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		"DELETE FROM device_services WHERE device_id = ? AND service_name = ?", deviceID, serviceName)
	if err != nil {
		return fmt.Errorf("forget service: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	diff := map[string]any{"service_name": serviceName}
	if failure != "" {
		diff["failure"] = failure
	}
	if err := appendHistory(ctx, tx, deviceID, models.HistoryServiceRemoved, diff); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateServiceHealth rewrites the stored health of a service record.
func (s *Store) UpdateServiceHealth(ctx context.Context, deviceID, serviceName string, health models.Health) error {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.Service(ctx, deviceID, serviceName)
	if err != nil {
		return err
	}
	record.Health = health

	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode service record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE device_services SET doc = ? WHERE device_id = ? AND service_name = ?",
		string(doc), deviceID, serviceName)
	return err
}

// Service fetches one installed service record.
func (s *Store) Service(ctx context.Context, deviceID, serviceName string) (*models.ServiceRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM device_services WHERE device_id = ? AND service_name = ?",
		deviceID, serviceName).Scan(&doc)
	if err != nil {
		return nil, ErrNotFound
	}
	record := &models.ServiceRecord{}
	if err := json.Unmarshal([]byte(doc), record); err != nil {
		return nil, fmt.Errorf("decode service record: %w", err)
	}
	return record, nil
}

// servicesFor loads all service records for a device, ordered by name.
func (s *Store) servicesFor(ctx context.Context, deviceID string) ([]models.ServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT doc FROM device_services WHERE device_id = ? ORDER BY service_name", deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ServiceRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var record models.ServiceRecord
		if err := json.Unmarshal([]byte(doc), &record); err != nil {
			return nil, fmt.Errorf("decode service record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
