package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
)

// SQLiteCatalog reads a Calibre-style metadata.db. The database is opened
// read-only with a shared cache so many worker processes can iterate it
// concurrently without lock contention.
type SQLiteCatalog struct {
	db          *gorm.DB
	libraryRoot string
}

// fileRow is the flattened result of the batch query. One row per file
// record (a book can carry several formats, each its own row and key).
type fileRow struct {
	ID          int64
	BookID      int64
	Title       string
	BookPath    string
	Name        string
	Format      string
	Authors     string
	Language    string
	Series      string
	SeriesIndex float64
}

// OpenSQLite opens the catalog database under the library root.
// dbPath defaults to <root>/metadata.db when empty.
func OpenSQLite(libraryRoot, dbPath string) (*SQLiteCatalog, error) {
	if dbPath == "" {
		dbPath = filepath.Join(libraryRoot, "metadata.db")
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", dbPath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", dbPath, err)
	}

	return &SQLiteCatalog{db: db, libraryRoot: libraryRoot}, nil
}

// batchQuery joins data rows with book metadata. GROUP_CONCAT flattens the
// many-to-many author and language links so one row fully describes a file.
const batchQuery = `
SELECT
    d.id                                   AS id,
    b.id                                   AS book_id,
    b.title                                AS title,
    b.path                                 AS book_path,
    d.name                                 AS name,
    d.format                               AS format,
    COALESCE(GROUP_CONCAT(DISTINCT a.name), '') AS authors,
    COALESCE(MIN(l.lang_code), '')         AS language,
    COALESCE(MIN(s.name), '')              AS series,
    b.series_index                         AS series_index
FROM data d
JOIN books b ON b.id = d.book
LEFT JOIN books_authors_link bal ON bal.book = b.id
LEFT JOIN authors a ON a.id = bal.author
LEFT JOIN books_languages_link bll ON bll.book = b.id
LEFT JOIN languages l ON l.id = bll.lang_code
LEFT JOIN books_series_link bsl ON bsl.book = b.id
LEFT JOIN series s ON s.id = bsl.series
WHERE d.id > ? AND (d.id % ?) = ?
GROUP BY d.id
ORDER BY d.id ASC
LIMIT ?`

// NextBatch implements Catalog.
func (c *SQLiteCatalog) NextBatch(ctx context.Context, shardID, shardCount int, lastKey int64, limit int) ([]SourceRecord, error) {
	if shardCount < 1 {
		shardCount = 1
	}

	var rows []fileRow
	err := c.db.WithContext(ctx).
		Raw(batchQuery, lastKey, shardCount, shardID, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("catalog batch query: %w", err)
	}

	records := make([]SourceRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, c.toRecord(row))
	}
	return records, nil
}

// CountTotal implements Catalog.
func (c *SQLiteCatalog) CountTotal(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.WithContext(ctx).Raw("SELECT COUNT(*) FROM data").Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("catalog count: %w", err)
	}
	return n, nil
}

// Close implements Catalog.
func (c *SQLiteCatalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// toRecord converts a query row to a SourceRecord. Calibre stores a file as
// <library>/<book.path>/<data.name>.<lowercase format>.
func (c *SQLiteCatalog) toRecord(row fileRow) SourceRecord {
	ext := strings.ToLower(row.Format)
	path := filepath.Join(c.libraryRoot, filepath.FromSlash(row.BookPath), row.Name+"."+ext)

	rec := SourceRecord{
		ShardKey:   row.ID,
		Path:       path,
		FormatHint: fingerprint.Format(ext),
	}

	meta := metadata.Record{
		Title:    row.Title,
		Language: metadata.NormalizeLanguage(row.Language),
		Series:   row.Series,
	}
	for _, a := range strings.Split(row.Authors, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			meta.Authors = append(meta.Authors, a)
		}
	}
	if row.Series != "" && row.SeriesIndex > 0 {
		idx := row.SeriesIndex
		meta.SeriesIndex = &idx
	}
	if meta.Title != "" {
		meta.Sanitize()
		rec.Meta = &meta
	}
	return rec
}
