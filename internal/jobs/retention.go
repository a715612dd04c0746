package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/stringwatch/stringwatch/internal/database"
)

// RetentionJob prunes raw string readings past the retention window once a
// day. Hourly and daily aggregates are the long-term record and are never
// touched.
type RetentionJob struct {
	db            *gorm.DB
	retentionDays int
	interval      time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewRetentionJob creates a retention job pruning readings older than
// retentionDays.
func NewRetentionJob(db *gorm.DB, retentionDays int) *RetentionJob {
	return &RetentionJob{
		db:            db,
		retentionDays: retentionDays,
		interval:      24 * time.Hour,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// RunOnce prunes readings older than the cutoff derived from now
func (j *RetentionJob) RunOnce(now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -j.retentionDays)
	return database.DeleteReadingsBefore(j.db, cutoff)
}

// Start launches the daily prune loop. The first prune runs immediately so
// a restart never extends the window.
func (j *RetentionJob) Start() {
	go func() {
		defer close(j.done)
		log.Printf("[Retention] Started, keeping %d days of raw readings", j.retentionDays)

		if _, err := j.RunOnce(time.Now()); err != nil {
			log.Printf("[Retention] Prune failed: %v", err)
		}

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := j.RunOnce(time.Now()); err != nil {
					log.Printf("[Retention] Prune failed: %v", err)
				}
			case <-j.stop:
				log.Printf("[Retention] Stopped")
				return
			}
		}
	}()
}

// Stop halts the prune loop and waits for it to exit
func (j *RetentionJob) Stop() {
	close(j.stop)
	<-j.done
}
