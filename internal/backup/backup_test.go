package backup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/digime/internal/backup"
	"github.com/scrypster/digime/internal/storage/sqlite"
	"github.com/scrypster/digime/pkg/types"
)

func writeJournal(t *testing.T, path string, ids ...string) {
	t.Helper()
	j, err := sqlite.NewJournal(path, nil)
	require.NoError(t, err)
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, j.Record(ctx, "mom", types.Message{
			Sender: "mom", Text: "hello " + id, Timestamp: time.Now(), PlatformMessageID: id,
		}, 100))
	}
	require.NoError(t, j.Close())
}

func journalIDs(t *testing.T, path string) []string {
	t.Helper()
	j, err := sqlite.NewJournal(path, nil)
	require.NoError(t, err)
	defer j.Close()
	var ids []string
	require.NoError(t, j.Replay(context.Background(), func(_ string, m types.Message) error {
		ids = append(ids, m.PlatformMessageID)
		return nil
	}))
	return ids
}

func newService(t *testing.T) (*backup.Service, string) {
	t.Helper()
	dir := t.TempDir()
	journal := filepath.Join(dir, "digime.db")
	svc, err := backup.New(backup.Config{
		JournalPath: journal,
		Dir:         filepath.Join(dir, "backups"),
		Interval:    time.Hour,
		Verify:      true,
	}, nil)
	require.NoError(t, err)
	return svc, journal
}

func TestSnapshotAndRestore(t *testing.T) {
	svc, journal := newService(t)
	writeJournal(t, journal, "m1", "m2")

	snap, err := svc.SnapshotNow(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Verified)
	assert.Positive(t, snap.Size)

	writeJournal(t, journal, "m3")
	assert.Equal(t, []string{"m1", "m2", "m3"}, journalIDs(t, journal))

	require.NoError(t, svc.Restore(context.Background(), snap.Path))
	assert.Equal(t, []string{"m1", "m2"}, journalIDs(t, journal))

	_, err = os.Stat(journal + ".pre-restore")
	assert.True(t, os.IsNotExist(err), "the pre-restore copy is cleaned up")
}

func TestRestore_CorruptSnapshotKeepsJournal(t *testing.T) {
	svc, journal := newService(t)
	writeJournal(t, journal, "m1")

	bad := filepath.Join(t.TempDir(), "journal-20260101-000000.000000.db")
	require.NoError(t, os.WriteFile(bad, []byte("not a database"), 0o600))

	assert.Error(t, svc.Restore(context.Background(), bad))
	assert.Equal(t, []string{"m1"}, journalIDs(t, journal))
}

func TestSnapshot_MissingJournal(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.SnapshotNow(context.Background())
	assert.Error(t, err)
}

func TestListAndHealth(t *testing.T) {
	svc, journal := newService(t)

	h, err := svc.Health()
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "no snapshots yet", h.Message)

	writeJournal(t, journal, "m1")
	_, err = svc.SnapshotNow(context.Background())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = svc.SnapshotNow(context.Background())
	require.NoError(t, err)

	snaps, err := svc.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Taken.After(snaps[1].Taken), "newest first")

	h, err = svc.Health()
	require.NoError(t, err)
	assert.Equal(t, 2, h.Snapshots)
	assert.Positive(t, h.DiskUsage)
}

func TestNew_Validation(t *testing.T) {
	_, err := backup.New(backup.Config{Dir: t.TempDir()}, nil)
	assert.Error(t, err)
	_, err = backup.New(backup.Config{JournalPath: "x.db"}, nil)
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	svc, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func snapshotsAt(now time.Time, ages ...time.Duration) []backup.Snapshot {
	out := make([]backup.Snapshot, len(ages))
	for i, age := range ages {
		out[i] = backup.Snapshot{Path: age.String(), Taken: now.Add(-age)}
	}
	return out
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name   string
		ages   []time.Duration
		policy backup.Retention
		want   []string
	}{
		{
			name:   "all within limits",
			ages:   []time.Duration{time.Hour, 2 * day, 10 * day, 60 * day},
			policy: backup.DefaultRetention(),
		},
		{
			name:   "older than a year always goes",
			ages:   []time.Duration{time.Hour, 400 * day},
			policy: backup.DefaultRetention(),
			want:   []string{(400 * day).String()},
		},
		{
			name:   "hourly tier keeps the newest",
			ages:   []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour},
			policy: backup.Retention{Hourly: 2, Daily: 7, Weekly: 4, Monthly: 12},
			want:   []string{(3 * time.Hour).String()},
		},
		{
			name:   "zero keeps none of a tier",
			ages:   []time.Duration{2 * day, 3 * day},
			policy: backup.Retention{Hourly: 24},
			want:   []string{(2 * day).String(), (3 * day).String()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, s := range backup.Expired(snapshotsAt(now, tt.ages...), now, tt.policy) {
				got = append(got, s.Path)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
