// Package backup takes point-in-time snapshots of the SQLite journal, keeps
// them under a tiered retention policy and restores them with integrity
// verification.
package backup

import (
	"time"
)

// Config holds snapshot service configuration.
type Config struct {
	// JournalPath is the SQLite journal to snapshot
	JournalPath string

	// Dir is where snapshots are stored
	Dir string

	// Interval is the time between scheduled snapshots (default: 6 hours)
	Interval time.Duration

	// Retention decides which snapshots survive
	Retention Retention

	// Verify runs an integrity check on every snapshot
	Verify bool
}

// Retention is how many snapshots to keep per age tier:
//   - hourly: younger than a day
//   - daily: one to seven days old
//   - weekly: seven to thirty days old
//   - monthly: thirty days to a year old
//
// Snapshots older than a year are always removed.
type Retention struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourly snapshots, a week of dailies, a
// month of weeklies and a year of monthlies.
func DefaultRetention() Retention {
	return Retention{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Snapshot describes one snapshot file.
type Snapshot struct {
	Path     string        `json:"path"`
	Taken    time.Time     `json:"taken"`
	Size     int64         `json:"size"`
	Verified bool          `json:"verified"`
	Duration time.Duration `json:"duration,omitempty"`
}
