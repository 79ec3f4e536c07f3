package devicetrust

import (
	"context"
	"database/sql"
	"time"

	"acolyte-presence/internal/storage"
	"acolyte-presence/internal/utils"
)

// Sweeper periodically expires stale pending registrations, lapsed trust
// tokens and abandoned transfer requests.
type Sweeper struct {
	db      *sql.DB
	logger  utils.Logger
	stopCh  chan struct{}
	running bool
}

func NewSweeper(db *sql.DB, logger utils.Logger) *Sweeper {
	return &Sweeper{
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if s.running {
		s.logger.Warn("Device sweeper already running")
		return
	}

	s.running = true
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Device sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Device sweeper stopped due to context cancellation")
			s.running = false
			return
		case <-s.stopCh:
			s.logger.Info("Device sweeper stopped")
			s.running = false
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Sweeper) Stop() {
	if !s.running {
		return
	}
	close(s.stopCh)
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep() {
	now := time.Now()

	pending, err := storage.ExpirePendingRegistrations(s.db, now)
	if err != nil {
		s.logger.Error("Failed to expire pending registrations", "error", err)
	}

	devices, err := storage.ExpireDevices(s.db, now)
	if err != nil {
		s.logger.Error("Failed to expire devices", "error", err)
	}

	transfers, err := storage.ExpireTransferRequests(s.db, now)
	if err != nil {
		s.logger.Error("Failed to expire transfer requests", "error", err)
	}

	if pending+devices+transfers > 0 {
		s.logger.Info("Sweep completed",
			"expired_pending", pending, "expired_devices", devices, "expired_transfers", transfers)
	}
}
