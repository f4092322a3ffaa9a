package models

import "time"

// Record is an accepted Reading enriched with the server-assigned
// identifier and receipt time.
type Record struct {
	Reading
	ReceivedAt time.Time `json:"received_at"`
	DataID     string    `json:"data_id"`
}

// Copy returns a deep copy of the Record
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Reading:    *r.Reading.Copy(),
		ReceivedAt: r.ReceivedAt,
		DataID:     r.DataID,
	}
}

// AckStatusSuccess is the status reported for every stored reading
const AckStatusSuccess = "success"

// Acknowledgement is returned to a device once its reading is stored
type Acknowledgement struct {
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	DataID     string    `json:"data_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// DeviceStatistics maps a device id to the number of records stored for it
type DeviceStatistics map[string]int

// Total returns the sum of all per-device counts
func (ds DeviceStatistics) Total() int {
	total := 0
	for _, n := range ds {
		total += n
	}
	return total
}

// Dump is the full contents of the record store
type Dump struct {
	TotalCount int       `json:"total_count"`
	Data       []*Record `json:"data"`
}

// Statistics contains aggregate counts over the record store
type Statistics struct {
	TotalDataCount   int              `json:"total_data_count"`
	DeviceStatistics DeviceStatistics `json:"device_statistics"`
}
