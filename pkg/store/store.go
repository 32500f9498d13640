// Package store keeps keyspaces of record tables in SQLite files.
// A keyspace maps to one database file and tables live inside it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/NivBraz/groupcount-service/internal/models"
)

var (
	ErrTableNotFound     = errors.New("table not found")
	ErrKeyspaceNotFound  = errors.New("keyspace not found")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Row is one table row keyed by column name.
type Row map[string]any

// TokenRange is an inclusive rowid range of one table.
type TokenRange struct {
	Index int
	Start int64
	End   int64
}

// Store is a single keyspace.
type Store struct {
	db       *sql.DB
	keyspace string
	path     string
}

// Open opens or creates the keyspace database under dataDir.
func Open(dataDir, keyspace string) (*Store, error) {
	if err := ValidateIdentifier(keyspace); err != nil {
		return nil, fmt.Errorf("keyspace: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return open(filepath.Join(dataDir, keyspace+".db"), keyspace)
}

// OpenExisting opens the keyspace database under dataDir without creating
// it. A missing keyspace returns ErrKeyspaceNotFound.
func OpenExisting(dataDir, keyspace string) (*Store, error) {
	if err := ValidateIdentifier(keyspace); err != nil {
		return nil, fmt.Errorf("keyspace: %w", err)
	}
	dbPath := filepath.Join(dataDir, keyspace+".db")
	info, err := os.Stat(dbPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrKeyspaceNotFound, keyspace)
	case err != nil:
		return nil, fmt.Errorf("opening database: %w", err)
	case info.IsDir():
		return nil, fmt.Errorf("%w: %s is a directory", ErrKeyspaceNotFound, dbPath)
	}
	return open(dbPath, keyspace)
}

func open(dbPath, keyspace string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &Store{db: db, keyspace: keyspace, path: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Keyspace returns the keyspace name.
func (s *Store) Keyspace() string {
	return s.keyspace
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ValidateIdentifier rejects names that cannot be used unquoted in SQL.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// CreateTweetTable creates the tweets table layout if it does not exist.
func (s *Store) CreateTweetTable(ctx context.Context, table string) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			tweet_id TEXT PRIMARY KEY,
			author TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			favorite_count INTEGER NOT NULL DEFAULT 0,
			retweet_count INTEGER NOT NULL DEFAULT 0,
			tweet_date TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

// InsertTweets upserts tweets by id inside one transaction.
func (s *Store) InsertTweets(ctx context.Context, table string, tweets []models.Tweet) error {
	if err := ValidateIdentifier(table); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+table+` (tweet_id, author, content, favorite_count, retweet_count, tweet_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tweet_id) DO UPDATE SET
			author = excluded.author,
			content = excluded.content,
			favorite_count = excluded.favorite_count,
			retweet_count = excluded.retweet_count,
			tweet_date = excluded.tweet_date
	`)
	if err != nil {
		return wrapTableErr(table, fmt.Errorf("preparing insert: %w", err))
	}
	defer stmt.Close()

	for _, tw := range tweets {
		if tw.TweetID == "" {
			return fmt.Errorf("tweet without id")
		}
		if _, err := stmt.ExecContext(ctx,
			tw.TweetID, tw.Author, tw.Content, tw.Favorites, tw.Retweets, tw.TweetDate); err != nil {
			return fmt.Errorf("inserting tweet %s: %w", tw.TweetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, wrapTableErr(table, err)
	}
	return n, nil
}

// Columns lists the column names of table in declaration order.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("reading columns of %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, s.keyspace, table)
	}
	return cols, nil
}

// Partitions splits the rowid space of table into at most n contiguous
// ranges. Together the ranges cover every row exactly once.
func (s *Store) Partitions(ctx context.Context, table string, n int) ([]TokenRange, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", n)
	}

	var (
		lo, hi sql.NullInt64
		count  int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT MIN(rowid), MAX(rowid), COUNT(*) FROM "+table).Scan(&lo, &hi, &count)
	if err != nil {
		return nil, wrapTableErr(table, err)
	}
	if count == 0 || !lo.Valid || !hi.Valid {
		return nil, nil
	}

	if int64(n) > count {
		n = int(count)
	}
	span := hi.Int64 - lo.Int64 + 1
	step := (span + int64(n) - 1) / int64(n)

	ranges := make([]TokenRange, 0, n)
	for start := lo.Int64; start <= hi.Int64; start += step {
		end := start + step - 1
		if end > hi.Int64 {
			end = hi.Int64
		}
		ranges = append(ranges, TokenRange{Index: len(ranges), Start: start, End: end})
	}
	return ranges, nil
}

// Scan returns up to limit rows of rng with rowid greater than after, in
// rowid order, and the rowid of the last returned row.
func (s *Store) Scan(ctx context.Context, table string, rng TokenRange, after int64, limit int) ([]Row, int64, error) {
	if err := ValidateIdentifier(table); err != nil {
		return nil, after, err
	}
	if limit <= 0 {
		return nil, after, fmt.Errorf("scan limit must be positive, got %d", limit)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT rowid AS __rowid, * FROM "+table+
			" WHERE rowid BETWEEN ? AND ? AND rowid > ? ORDER BY rowid LIMIT ?",
		rng.Start, rng.End, after, limit)
	if err != nil {
		return nil, after, wrapTableErr(table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, after, fmt.Errorf("scanning %s: %w", table, err)
	}

	last := after
	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, after, fmt.Errorf("scanning %s: %w", table, err)
		}

		row := make(Row, len(cols)-1)
		for i, col := range cols {
			if i == 0 {
				if id, ok := values[0].(int64); ok {
					last = id
				}
				continue
			}
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("scanning %s: %w", table, err)
	}
	return out, last, nil
}

func wrapTableErr(table string, err error) error {
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return fmt.Errorf("querying %s: %w", table, err)
}
