package ingest

import "github.com/afroash/telemetry-receiver/internal/models"

// Statistics counts records per device. Devices without records get no
// entry; the result is never nil.
func Statistics(records []*models.Record) models.DeviceStatistics {
	stats := make(models.DeviceStatistics)
	for _, record := range records {
		if record == nil {
			continue
		}
		stats[record.DeviceID]++
	}
	return stats
}
