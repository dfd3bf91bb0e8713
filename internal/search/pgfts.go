package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the bookmarks fts column with ts_headline
// snippets, scoped to one profile.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.ProfileID == "" {
		return nil, 0, fmt.Errorf("profile id required")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx := context.Background()

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM bookmarks b
		WHERE b.profile_id = $2 AND b.fts @@ plainto_tsquery('english', $1)
	`, q.Text, q.ProfileID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT b.id, b.message_id, b.english_text, b.japanese_text, b.note,
			ts_headline('english', coalesce(b.english_text, '') || ' ' || coalesce(b.note, ''),
				plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			ts_rank(b.fts, plainto_tsquery('english', $1)) AS rank
		FROM bookmarks b
		WHERE b.profile_id = $2 AND b.fts @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, limit, offset), q.Text, q.ProfileID)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.MessageID, &r.EnglishText, &r.JapaneseText, &r.Note, &r.Snippet, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all bookmarks for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BookmarkRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, profile_id, message_id, english_text, japanese_text, note
		FROM bookmarks
	`)
	if err != nil {
		return nil, fmt.Errorf("load bookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := make([]BookmarkRecord, 0)
	for rows.Next() {
		var b BookmarkRecord
		if err := rows.Scan(&b.ID, &b.ProfileID, &b.MessageID, &b.EnglishText, &b.JapaneseText, &b.Note); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}

	return bookmarks, nil
}
