package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	metaIdentity  = "identity"
	metaQuota     = "quota"
	metaPlan      = "plan"
	metaFollowUps = "followups"
)

// Store is the durable on-device cache: categorized email lists plus the
// auxiliary state (quota, plan, follow-up flags, last-known identity) that
// every component reads instead of holding ambient globals.
type Store struct {
	DB *sql.DB
}

// Open opens or creates the cache database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// ReplaceAll replaces every listed category's contents and the quota snapshot
// in one transaction. A failure anywhere leaves the previous store untouched.
// Categories not present in byCategory are left as they were.
func (s *Store) ReplaceAll(ctx context.Context, byCategory map[Category][]Email, quota *Quota) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// All deletes run before any insert: the backend may have moved an id
	// into a listed category from one this batch does not mention, and the
	// stale row would trip the cross-category unique index otherwise.
	for category, emails := range byCategory {
		if !category.Valid() {
			return fmt.Errorf("unknown category %q", category)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM emails WHERE category = ?`, string(category)); err != nil {
			return fmt.Errorf("failed to clear category %s: %w", category, err)
		}
		for _, e := range emails {
			if _, err := tx.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, e.ID); err != nil {
				return fmt.Errorf("failed to clear email %s: %w", e.ID, err)
			}
		}
	}

	for category, emails := range byCategory {
		for _, e := range emails {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO emails (id, category, thread_id, subject, sender, msg_date, is_read, snippet)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, e.ID, string(category), e.ThreadID, e.Subject, e.From, e.Date.UnixMilli(), boolToInt(e.IsRead), e.Snippet)
			if err != nil {
				return fmt.Errorf("failed to insert email %s into %s: %w", e.ID, category, err)
			}
		}
	}

	if quota != nil {
		if err := setMetaTx(ctx, tx, metaQuota, quota); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Categories returns every non-empty category list, each ordered by date
// descending.
func (s *Store) Categories(ctx context.Context) (map[Category][]Email, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, category, thread_id, subject, sender, msg_date, is_read, snippet
		FROM emails
		ORDER BY category, msg_date DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	result := make(map[Category][]Email)
	for rows.Next() {
		var (
			e        Email
			category string
			msgDate  int64
			isRead   int
		)
		if err := rows.Scan(&e.ID, &category, &e.ThreadID, &e.Subject, &e.From, &msgDate, &isRead, &e.Snippet); err != nil {
			return nil, fmt.Errorf("failed to scan email row: %w", err)
		}
		e.Date = time.UnixMilli(msgDate).UTC()
		e.IsRead = isRead != 0
		result[Category(category)] = append(result[Category(category)], e)
	}
	return result, rows.Err()
}

// Category returns one category's list ordered by date descending.
func (s *Store) Category(ctx context.Context, category Category) ([]Email, error) {
	all, err := s.Categories(ctx)
	if err != nil {
		return nil, err
	}
	return all[category], nil
}

// FindEmail looks up a cached email by id and reports which category holds it.
func (s *Store) FindEmail(ctx context.Context, id string) (Email, Category, error) {
	var (
		e        Email
		category string
		msgDate  int64
		isRead   int
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, category, thread_id, subject, sender, msg_date, is_read, snippet
		FROM emails WHERE id = ?
	`, id).Scan(&e.ID, &category, &e.ThreadID, &e.Subject, &e.From, &msgDate, &isRead, &e.Snippet)
	if err != nil {
		if err == sql.ErrNoRows {
			return Email{}, "", fmt.Errorf("email %s not cached", id)
		}
		return Email{}, "", fmt.Errorf("failed to find email: %w", err)
	}
	e.Date = time.UnixMilli(msgDate).UTC()
	e.IsRead = isRead != 0
	return e, Category(category), nil
}

// MoveEmail moves a cached email into another category and returns the email
// plus the category it came from. A move never duplicates the id.
func (s *Store) MoveEmail(ctx context.Context, id string, to Category) (Email, Category, error) {
	if !to.Valid() {
		return Email{}, "", fmt.Errorf("unknown category %q", to)
	}
	e, from, err := s.FindEmail(ctx, id)
	if err != nil {
		return Email{}, "", err
	}
	if from == to {
		return e, from, nil
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE emails SET category = ? WHERE id = ?`, string(to), id); err != nil {
		return Email{}, "", fmt.Errorf("failed to move email %s: %w", id, err)
	}
	return e, from, nil
}

// SetRead marks a single cached email read or unread.
func (s *Store) SetRead(ctx context.Context, id string, read bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE emails SET is_read = ? WHERE id = ?`, boolToInt(read), id)
	if err != nil {
		return fmt.Errorf("failed to mark email read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("email %s not cached", id)
	}
	return nil
}

// SetCategoryRead marks an entire category read and resets its new counter.
func (s *Store) SetCategoryRead(ctx context.Context, category Category) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE emails SET is_read = 1 WHERE category = ?`, string(category)); err != nil {
		return fmt.Errorf("failed to mark category read: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO new_counts (category, count) VALUES (?, 0)
		ON CONFLICT(category) DO UPDATE SET count = 0
	`, string(category)); err != nil {
		return fmt.Errorf("failed to reset new count: %w", err)
	}
	return tx.Commit()
}

// BumpNewCounts increments the advisory per-category new-item counters.
func (s *Store) BumpNewCounts(ctx context.Context, added map[Category]int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for category, n := range added {
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO new_counts (category, count) VALUES (?, ?)
			ON CONFLICT(category) DO UPDATE SET count = count + excluded.count
		`, string(category), n); err != nil {
			return fmt.Errorf("failed to bump new count for %s: %w", category, err)
		}
	}
	return tx.Commit()
}

// NewCounts returns the current advisory new-item counters.
func (s *Store) NewCounts(ctx context.Context) (map[Category]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT category, count FROM new_counts WHERE count > 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query new counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Category]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan new count: %w", err)
		}
		counts[Category(category)] = n
	}
	return counts, rows.Err()
}

// SaveIdentity persists the last-known identity.
func (s *Store) SaveIdentity(ctx context.Context, ident Identity) error {
	return s.setMeta(ctx, metaIdentity, ident)
}

// LoadIdentity returns the last-known identity, if any.
func (s *Store) LoadIdentity(ctx context.Context) (Identity, bool, error) {
	var ident Identity
	ok, err := s.getMeta(ctx, metaIdentity, &ident)
	return ident, ok, err
}

// ClearIdentity removes the persisted identity on sign-out.
func (s *Store) ClearIdentity(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, metaIdentity)
	if err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	return nil
}

// SaveQuota overwrites the quota snapshot outside a sync transaction.
func (s *Store) SaveQuota(ctx context.Context, quota Quota) error {
	return s.setMeta(ctx, metaQuota, quota)
}

// Quota returns the cached quota snapshot, if any.
func (s *Store) Quota(ctx context.Context) (Quota, bool, error) {
	var q Quota
	ok, err := s.getMeta(ctx, metaQuota, &q)
	return q, ok, err
}

// SavePlan caches the plan tier.
func (s *Store) SavePlan(ctx context.Context, plan string) error {
	return s.setMeta(ctx, metaPlan, plan)
}

// Plan returns the cached plan tier, if any.
func (s *Store) Plan(ctx context.Context) (string, bool, error) {
	var plan string
	ok, err := s.getMeta(ctx, metaPlan, &plan)
	return plan, ok, err
}

// SaveFollowUps caches the per-email follow-up flags.
func (s *Store) SaveFollowUps(ctx context.Context, flags map[string]bool) error {
	return s.setMeta(ctx, metaFollowUps, flags)
}

// FollowUps returns the cached follow-up flags.
func (s *Store) FollowUps(ctx context.Context) (map[string]bool, error) {
	flags := make(map[string]bool)
	if _, err := s.getMeta(ctx, metaFollowUps, &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

func (s *Store) setMeta(ctx context.Context, key string, value interface{}) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(blob), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func setMetaTx(ctx context.Context, tx *sql.Tx, key string, value interface{}) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(blob), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string, out interface{}) (bool, error) {
	var blob string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(blob), out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
