package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"evalgo.org/lares/models"
)

// exportDoc is the on-disk shape for inventory export/import.
type exportDoc struct {
	Devices []*models.Device `json:"devices"`
}

// Export writes the full inventory (devices with their service records) as
// JSON. History is not exported; it belongs to this store instance.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	devices, err := s.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exportDoc{Devices: devices})
}

// Import reads a JSON export and upserts every device. Existing devices
// merge by the usual rules; counts of created and updated records are
// returned.
func (s *Store) Import(ctx context.Context, r io.Reader) (created, updated int, err error) {
	var doc exportDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, 0, fmt.Errorf("decode inventory: %w", err)
	}

	for _, device := range doc.Devices {
		services := device.Services
		device.Services = nil

		outcome, err := s.Upsert(ctx, device, UpsertOptions{})
		if err != nil {
			return created, updated, fmt.Errorf("import %s: %w", device.Identity(), err)
		}
		if outcome.Created {
			created++
		} else {
			updated++
		}

		for _, record := range services {
			if err := s.RecordService(ctx, outcome.ID, record); err != nil {
				return created, updated, fmt.Errorf("import service %s on %s: %w", record.ServiceName, device.Identity(), err)
			}
		}
	}
	return created, updated, nil
}
