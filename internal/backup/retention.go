package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "journal-"
	fileSuffix = ".db"
	timeLayout = "20060102-150405.000000"
)

func snapshotName(t time.Time) string {
	return filePrefix + t.UTC().Format(timeLayout) + fileSuffix
}

// takenAt parses the snapshot time from a file name.
func takenAt(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.ParseInLocation(timeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// list returns the snapshots in dir, newest first. Unrelated files are
// ignored.
func list(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: read %s: %w", dir, err)
	}

	var out []Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		taken, ok := takenAt(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Snapshot{
			Path:  filepath.Join(dir, entry.Name()),
			Taken: taken,
			Size:  info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Taken.After(out[j].Taken) })
	return out, nil
}

// Expired picks the snapshots the policy no longer keeps. snaps must be
// sorted newest first; each tier keeps its newest members.
func Expired(snaps []Snapshot, now time.Time, policy Retention) []Snapshot {
	var hourly, daily, weekly, monthly, expired []Snapshot
	for _, s := range snaps {
		switch age := now.Sub(s.Taken); {
		case age < 24*time.Hour:
			hourly = append(hourly, s)
		case age < 7*24*time.Hour:
			daily = append(daily, s)
		case age < 30*24*time.Hour:
			weekly = append(weekly, s)
		case age < 365*24*time.Hour:
			monthly = append(monthly, s)
		default:
			expired = append(expired, s)
		}
	}

	overflow := func(tier []Snapshot, keep int) []Snapshot {
		if keep < 0 {
			keep = 0
		}
		if len(tier) <= keep {
			return nil
		}
		return tier[keep:]
	}
	expired = append(expired, overflow(hourly, policy.Hourly)...)
	expired = append(expired, overflow(daily, policy.Daily)...)
	expired = append(expired, overflow(weekly, policy.Weekly)...)
	expired = append(expired, overflow(monthly, policy.Monthly)...)
	return expired
}

func diskUsage(snaps []Snapshot) int64 {
	var total int64
	for _, s := range snaps {
		total += s.Size
	}
	return total
}
