// Package content stores the items that are published between named
// databases (usually "master" and "web") and provides the item processor
// that compares and copies them.
package content

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/publish/errors"
)

// Item is one content item in a named database
type Item struct {
	ID          string
	ParentID    string
	Name        string
	SortOrder   int
	Revision    int64
	Publishable bool
	UpdatedAt   time.Time
	Links       []string
}

// Store handles persistence of content items
type Store struct {
	db *sql.DB
}

// NewStore creates a new content store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetItem loads an item and its links
func (s *Store) GetItem(ctx context.Context, database, id string) (*Item, error) {
	var (
		item     Item
		parentID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, name, sort_order, revision, publishable, updated_at
		FROM items WHERE db = ? AND id = ?`, database, id).Scan(
		&item.ID, &parentID, &item.Name, &item.SortOrder, &item.Revision, &item.Publishable, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("item %s not found in %s", id, database)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get item %s from %s", id, database)
	}
	item.ParentID = parentID.String

	links, err := s.Links(ctx, database, id)
	if err != nil {
		return nil, err
	}
	item.Links = links
	return &item, nil
}

// Links returns the IDs an item references
func (s *Store) Links(ctx context.Context, database, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref_id FROM links WHERE db = ? AND item_id = ? ORDER BY ref_id`, database, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query links of %s", id)
	}
	defer rows.Close()

	var links []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "failed to scan link")
		}
		links = append(links, ref)
	}
	return links, errors.Wrap(rows.Err(), "failed to iterate links")
}

// PutItem inserts or replaces an item and its links
func (s *Store) PutItem(ctx context.Context, database string, item Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := putItem(ctx, tx, database, item); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit item")
}

func putItem(ctx context.Context, tx *sql.Tx, database string, item Item) error {
	if item.ID == "" {
		return errors.NewInvalidRequestError("item id is required")
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO items (db, id, parent_id, name, sort_order, revision, publishable, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(db, id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			sort_order = excluded.sort_order,
			revision = excluded.revision,
			publishable = excluded.publishable,
			updated_at = excluded.updated_at`,
		database, item.ID, nullString(item.ParentID), item.Name, item.SortOrder,
		item.Revision, item.Publishable, item.UpdatedAt.UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to put item")
		return errors.WithDetail(err, fmt.Sprintf("Item: %s/%s", database, item.ID))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE db = ? AND item_id = ?`, database, item.ID); err != nil {
		return errors.Wrapf(err, "failed to clear links of %s", item.ID)
	}
	for _, ref := range item.Links {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO links (db, item_id, ref_id) VALUES (?, ?, ?)`, database, item.ID, ref); err != nil {
			return errors.Wrapf(err, "failed to link %s to %s", item.ID, ref)
		}
	}
	return nil
}

const subtreeCTE = `
	WITH RECURSIVE subtree(id) AS (
		SELECT id FROM items WHERE db = ? AND id = ?
		UNION
		SELECT i.id FROM items i JOIN subtree s ON i.parent_id = s.id WHERE i.db = ?
	)`

// DeleteSubtree removes an item and all its descendants, returning how
// many items were removed
func (s *Store) DeleteSubtree(ctx context.Context, database, id string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, subtreeCTE+`
		DELETE FROM links WHERE db = ? AND item_id IN (SELECT id FROM subtree)`,
		database, id, database, database); err != nil {
		return 0, errors.Wrapf(err, "failed to delete links under %s", id)
	}

	result, err := tx.ExecContext(ctx, subtreeCTE+`
		DELETE FROM items WHERE db = ? AND id IN (SELECT id FROM subtree)`,
		database, id, database, database)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete subtree %s", id)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted items")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit delete")
	}
	return removed, nil
}

// CountSubtree counts an item and its descendants
func (s *Store) CountSubtree(ctx context.Context, database, id string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, subtreeCTE+` SELECT COUNT(*) FROM subtree`,
		database, id, database).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count subtree %s", id)
	}
	return count, nil
}

// ChildIDs returns the children of parentID across the given databases,
// ordered by sort order. An item present in several databases is listed once.
func (s *Store) ChildIDs(ctx context.Context, databases []string, parentID string) ([]string, error) {
	if len(databases) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(databases)), ", ")
	args := make([]interface{}, 0, len(databases)+1)
	for _, d := range databases {
		args = append(args, d)
	}
	args = append(args, parentID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM items
		WHERE db IN (`+placeholders+`) AND parent_id = ?
		GROUP BY id
		ORDER BY MIN(sort_order), id`, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query children of %s", parentID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan child id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to iterate children")
}

// RootIDs returns the top-level items of a database, ordered by sort order
func (s *Store) RootIDs(ctx context.Context, database string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM items
		WHERE db = ? AND parent_id IS NULL
		ORDER BY sort_order, id`, database)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query roots of %s", database)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan root id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to iterate roots")
}

// ChangedSince lists items updated after since, oldest first. Links are
// not loaded.
func (s *Store) ChangedSince(ctx context.Context, database string, since time.Time) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, name, sort_order, revision, publishable, updated_at
		FROM items
		WHERE db = ? AND updated_at > ?
		ORDER BY updated_at, id`, database, since.UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query items changed in %s", database)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item     Item
			parentID sql.NullString
		)
		if err := rows.Scan(&item.ID, &parentID, &item.Name, &item.SortOrder,
			&item.Revision, &item.Publishable, &item.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan item")
		}
		item.ParentID = parentID.String
		items = append(items, item)
	}
	return items, errors.Wrap(rows.Err(), "failed to iterate items")
}

// CountItems counts the items of a database
func (s *Store) CountItems(ctx context.Context, database string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE db = ?`, database).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count items in %s", database)
	}
	return count, nil
}

// Watermark returns when source was last published to target in full.
// The zero time means never.
func (s *Store) Watermark(ctx context.Context, source, target string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT published_at FROM watermarks WHERE source = ? AND target = ?`, source, target).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to read watermark %s -> %s", source, target)
	}
	return at, nil
}

// SetWatermark records a successful publish from source to target
func (s *Store) SetWatermark(ctx context.Context, source, target string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (source, target, published_at) VALUES (?, ?, ?)
		ON CONFLICT(source, target) DO UPDATE SET published_at = excluded.published_at`,
		source, target, at.UTC())
	return errors.Wrapf(err, "failed to write watermark %s -> %s", source, target)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
