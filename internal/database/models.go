package database

import "time"

// UpdateRecord is one row of a system-of-record table as seen by the fallback poller.
// Every polled table exposes the same projection so a single scan path serves all kinds.
type UpdateRecord struct {
	Id        int64
	UserId    string
	JobId     string
	RefId     string
	Status    string
	Data      map[string]any
	UpdatedAt time.Time
}
