package target

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
)

// MirrorDB streams fingerprints straight from the service's Postgres
// database. On deployments where migration workers get a read-only database
// grant, this is an order of magnitude faster than the HTTP listing and
// keeps load off the application tier.
type MirrorDB struct {
	db *gorm.DB
}

// OpenMirrorDB connects to the service database with the given DSN.
func OpenMirrorDB(dsn string) (*MirrorDB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}
	return &MirrorDB{db: db}, nil
}

// newMirrorDB wraps an existing connection, used by tests.
func newMirrorDB(db *gorm.DB) *MirrorDB {
	return &MirrorDB{db: db}
}

// AllFingerprints streams every (hash, size) pair the service stores.
func (m *MirrorDB) AllFingerprints(ctx context.Context, fn func(fingerprint.Fingerprint) error) error {
	rows, err := m.db.WithContext(ctx).
		Raw(`SELECT hash, size FROM sources WHERE hash IS NOT NULL`).
		Rows()
	if err != nil {
		return fmt.Errorf("fingerprint query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			hash string
			size int64
		)
		if err := rows.Scan(&hash, &size); err != nil {
			return fmt.Errorf("fingerprint row scan failed: %w", err)
		}
		if err := fn(fingerprint.Fingerprint{Hash: hash, Size: size}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of stored files, used for refresh heuristics and
// status reporting.
func (m *MirrorDB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.WithContext(ctx).
		Raw(`SELECT COUNT(*) FROM sources WHERE hash IS NOT NULL`).
		Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("fingerprint count failed: %w", err)
	}
	return n, nil
}

// Close releases the underlying connection pool.
func (m *MirrorDB) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
