package inventory

import (
	"context"
	"log/slog"
	"time"

	"evalgo.org/lares/internal/events"
	"evalgo.org/lares/models"
)

// isStale implements the staleness rule: a device is stale when its facts
// were never discovered, or when the last discovery is older than the
// threshold. A freshly added device is therefore immediately stale and
// eligible for background refresh.
func isStale(device *models.Device, threshold time.Duration) bool {
	if device.LastDiscoveryAt == nil {
		return true
	}
	return time.Since(*device.LastDiscoveryAt) > threshold
}

// IsStale reports whether the device's discovered facts are stale.
func (s *Store) IsStale(ctx context.Context, id string, threshold time.Duration) (bool, error) {
	device, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return isStale(device, threshold), nil
}

// MarkRefreshing claims the single refresh slot for a device. It returns
// false when a refresh is already in flight.
func (s *Store) MarkRefreshing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE devices SET refreshing = 1 WHERE id = ? AND refreshing = 0", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkRefreshed releases the refresh slot. A successful outcome stamps
// last_discovery_at.
func (s *Store) MarkRefreshed(ctx context.Context, id string, success bool) error {
	if success {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := s.db.ExecContext(ctx,
			"UPDATE devices SET refreshing = 0, last_discovery_at = ? WHERE id = ?", now, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, "UPDATE devices SET refreshing = 0 WHERE id = ?", id)
	return err
}

// Scanner periodically publishes stale-device events on the bus. Discovery
// handlers subscribe and refresh opportunistically; explicit refresh tool
// calls always take precedence over this background signal.
type Scanner struct {
	store     *Store
	bus       *events.Bus
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewScanner builds a staleness scanner.
func NewScanner(store *Store, bus *events.Bus, threshold, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{store: store, bus: bus, threshold: threshold, interval: interval, logger: logger}
}

// Run scans until ctx is cancelled.
func (sc *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.scan(ctx)
		}
	}
}

func (sc *Scanner) scan(ctx context.Context) {
	devices, err := sc.store.List(ctx, Filter{StaleOnly: true, Threshold: sc.threshold})
	if err != nil {
		sc.logger.Warn("staleness scan failed", "error", err)
		return
	}
	for _, device := range devices {
		sc.bus.Publish(events.Event{
			Kind:     events.DeviceStale,
			DeviceID: device.ID,
			Payload:  map[string]any{"identity": device.Identity()},
		})
	}
	if len(devices) > 0 {
		sc.logger.Debug("stale devices signalled", "count", len(devices))
	}
}
