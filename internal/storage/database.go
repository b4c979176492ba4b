package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNonMonotonic flags an append whose timestamp does not advance past
	// the last stored sample. This means a clock or adapter defect; the
	// write is rejected and the store is left untouched.
	ErrNonMonotonic = errors.New("sample timestamp is not after last stored sample")

	// ErrNoSamples is returned by Latest when the store is empty.
	ErrNoSamples = errors.New("no samples stored")
)

type Database struct {
	db *gorm.DB

	mu     sync.Mutex
	lastTS time.Time
}

func NewDatabase(path string) (*Database, error) {
	// WAL keeps API reads from blocking on the append loop.
	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Sample{}, &ShutdownEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	d := &Database{db: db}

	// Recover the monotonicity watermark so the guarantee holds across
	// restarts.
	var last Sample
	result := db.Order("timestamp desc").First(&last)
	if result.Error == nil {
		d.lastTS = last.Timestamp
	} else if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read last sample: %w", result.Error)
	}

	return d, nil
}

// Append stores one sample. Timestamps must strictly advance.
func (d *Database) Append(s *Sample) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastTS.IsZero() && !s.Timestamp.After(d.lastTS) {
		return fmt.Errorf("%w: %s <= %s", ErrNonMonotonic,
			s.Timestamp.Format(time.RFC3339Nano), d.lastTS.Format(time.RFC3339Nano))
	}

	if err := d.db.Create(s).Error; err != nil {
		return err
	}
	d.lastTS = s.Timestamp
	return nil
}

// Latest returns the most recently appended sample.
func (d *Database) Latest() (*Sample, error) {
	var s Sample
	result := d.db.Order("timestamp desc").First(&s)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNoSamples
		}
		return nil, result.Error
	}
	return &s, nil
}

// Range returns samples with timestamp in [from, to], ascending.
func (d *Database) Range(from, to time.Time) ([]Sample, error) {
	var samples []Sample
	result := d.db.Where("timestamp >= ? AND timestamp <= ?", from, to).
		Order("timestamp asc").
		Find(&samples)
	if result.Error != nil {
		return nil, result.Error
	}
	return samples, nil
}

// RangeLimited is Range with an upper bound on the result size. The query
// facade uses it so a wide window cannot marshal the whole store into one
// response.
func (d *Database) RangeLimited(from, to time.Time, limit int) ([]Sample, error) {
	var samples []Sample
	result := d.db.Where("timestamp >= ? AND timestamp <= ?", from, to).
		Order("timestamp asc").
		Limit(limit).
		Find(&samples)
	if result.Error != nil {
		return nil, result.Error
	}
	return samples, nil
}

// SampleAtOrBefore returns the newest sample with timestamp <= t, or
// ErrNoSamples. Aggregation uses it to cover the stretch between a window's
// left edge and the first sample inside the window.
func (d *Database) SampleAtOrBefore(t time.Time) (*Sample, error) {
	var s Sample
	result := d.db.Where("timestamp <= ?", t).Order("timestamp desc").First(&s)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNoSamples
		}
		return nil, result.Error
	}
	return &s, nil
}

// FirstTimestamp returns the oldest stored sample timestamp, or ErrNoSamples.
func (d *Database) FirstTimestamp() (time.Time, error) {
	var s Sample
	result := d.db.Order("timestamp asc").First(&s)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return time.Time{}, ErrNoSamples
		}
		return time.Time{}, result.Error
	}
	return s.Timestamp, nil
}

// Prune deletes samples older than the retention horizon. The horizon must
// cover the longest aggregation window, so pruning never changes any
// supported window's result.
func (d *Database) Prune(now time.Time, retention time.Duration) error {
	cutoff := now.Add(-retention)
	return d.db.Where("timestamp < ?", cutoff).Delete(&Sample{}).Error
}

// RecordShutdownEvent opens a new episode record with a pending outcome.
func (d *Database) RecordShutdownEvent(ev *ShutdownEvent) error {
	ev.Outcome = OutcomePending
	return d.db.Create(ev).Error
}

// FinalizeShutdownEvent stores the terminal outcome and attempt count.
func (d *Database) FinalizeShutdownEvent(id uint, outcome string, attempts int, completedAt time.Time) error {
	return d.db.Model(&ShutdownEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"outcome":      outcome,
		"attempts":     attempts,
		"completed_at": completedAt,
	}).Error
}

// LastShutdownEvent returns the most recently triggered event, or nil when
// none has ever been recorded.
func (d *Database) LastShutdownEvent() (*ShutdownEvent, error) {
	var ev ShutdownEvent
	result := d.db.Order("triggered_at desc").First(&ev)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ev, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
