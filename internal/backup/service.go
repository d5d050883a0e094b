package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRunning is returned by Restore while the schedule is active.
var ErrRunning = errors.New("backup: cannot restore while snapshots are scheduled")

// Service takes scheduled journal snapshots and prunes old ones.
type Service struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// New validates cfg, creates the snapshot directory and returns a Service.
func New(cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.JournalPath == "" {
		return nil, fmt.Errorf("backup: journal path is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup: snapshot directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Retention == (Retention{}) {
		cfg.Retention = DefaultRetention()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", cfg.Dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Run takes a snapshot every Interval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("backup: scheduled snapshots started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("dir", s.cfg.Dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := s.SnapshotNow(ctx)
			if err != nil {
				s.logger.Warn("backup: scheduled snapshot failed", zap.Error(err))
				continue
			}
			s.logger.Info("backup: snapshot taken",
				zap.String("path", snap.Path),
				zap.Int64("bytes", snap.Size),
				zap.Duration("duration", snap.Duration),
				zap.Bool("verified", snap.Verified))
		}
	}
}

// SnapshotNow writes a new snapshot, verifies it when configured and applies
// retention. A failed verification removes the snapshot.
func (s *Service) SnapshotNow(ctx context.Context) (Snapshot, error) {
	start := s.now()
	if _, err := os.Stat(s.cfg.JournalPath); err != nil {
		return Snapshot{}, fmt.Errorf("backup: journal not found: %w", err)
	}

	path := filepath.Join(s.cfg.Dir, snapshotName(start))
	if err := vacuumInto(ctx, s.cfg.JournalPath, path); err != nil {
		return Snapshot{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	snap := Snapshot{Path: path, Taken: start.UTC(), Size: info.Size()}

	if s.cfg.Verify {
		if err := verify(ctx, path); err != nil {
			_ = os.Remove(path)
			return Snapshot{}, err
		}
		snap.Verified = true
	}
	snap.Duration = s.now().Sub(start)

	if _, err := s.Prune(); err != nil {
		s.logger.Warn("backup: retention failed", zap.Error(err))
	}
	return snap, nil
}

// List returns the stored snapshots, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return list(s.cfg.Dir)
}

// Prune deletes the snapshots the retention policy drops.
func (s *Service) Prune() (int, error) {
	snaps, err := list(s.cfg.Dir)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, snap := range Expired(snaps, s.now(), s.cfg.Retention) {
		if err := os.Remove(snap.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Restore replaces the journal with a snapshot. The journal must be closed.
// On failure the previous journal is put back.
func (s *Service) Restore(ctx context.Context, snapshot string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrRunning
	}
	if _, err := os.Stat(snapshot); err != nil {
		return fmt.Errorf("backup: snapshot not found: %w", err)
	}

	previous := s.cfg.JournalPath + ".pre-restore"
	havePrevious := false
	if _, err := os.Stat(s.cfg.JournalPath); err == nil {
		if err := vacuumInto(ctx, s.cfg.JournalPath, previous); err != nil {
			return fmt.Errorf("backup: save current journal: %w", err)
		}
		havePrevious = true
		defer func() { _ = os.Remove(previous) }()
	}

	if err := copyVerified(ctx, snapshot, s.cfg.JournalPath); err != nil {
		if !havePrevious {
			return err
		}
		if rbErr := copyVerified(ctx, previous, s.cfg.JournalPath); rbErr != nil {
			return fmt.Errorf("backup: restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
		}
		return fmt.Errorf("backup: restore failed, previous journal kept: %w", err)
	}
	s.logger.Info("backup: journal restored", zap.String("snapshot", snapshot))
	return nil
}

// Health summarizes the snapshot store.
type Health struct {
	Status    string    `json:"status"` // healthy or warning
	Message   string    `json:"message"`
	LastTaken time.Time `json:"last_taken,omitempty"`
	Snapshots int       `json:"snapshots"`
	Dir       string    `json:"dir"`
	DiskUsage int64     `json:"disk_usage"`
}

// Health reports whether snapshots are being taken on schedule.
func (s *Service) Health() (Health, error) {
	snaps, err := list(s.cfg.Dir)
	if err != nil {
		return Health{}, err
	}
	h := Health{Status: "healthy", Snapshots: len(snaps), Dir: s.cfg.Dir, DiskUsage: diskUsage(snaps)}
	if len(snaps) > 0 {
		h.LastTaken = snaps[0].Taken
	}

	switch {
	case h.LastTaken.IsZero():
		h.Message = "no snapshots yet"
	case s.now().Sub(h.LastTaken) > 2*s.cfg.Interval:
		h.Status = "warning"
		h.Message = fmt.Sprintf("snapshot overdue by %v", (s.now().Sub(h.LastTaken) - s.cfg.Interval).Round(time.Minute))
	default:
		h.Message = fmt.Sprintf("last snapshot %v ago", s.now().Sub(h.LastTaken).Round(time.Minute))
	}
	return h, nil
}
