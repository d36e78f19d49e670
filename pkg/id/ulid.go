package id

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a lexicographically sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// RunIDTime extracts the creation time encoded in a run id.
func RunIDTime(runID string) (time.Time, error) {
	u, err := ulid.ParseStrict(runID)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
