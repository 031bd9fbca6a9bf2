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

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the messages fts column with ts_headline
// snippets, scoped to the requesting hospital's conversations.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.HospitalID == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := `m.kind = 'text' AND m.fts @@ plainto_tsquery('english', $1)
		AND (m.sender_hospital_id = $2 OR m.recipient_hospital_id = $2)`
	args := []any{q.Text, q.HospitalID}
	if q.CounterpartyID != "" {
		where += " AND (m.sender_hospital_id = $3 OR m.recipient_hospital_id = $3)"
		args = append(args, q.CounterpartyID)
	}

	ctx := context.Background()

	var total int
	countSQL := fmt.Sprintf("SELECT count(*) FROM messages m WHERE %s", where)
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id,
			ts_headline('english', m.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			m.sender_hospital_id, m.recipient_hospital_id,
			coalesce(h.name, '') AS sender_name,
			m.created_at
		FROM messages m
		LEFT JOIN hospitals h ON h.id = m.sender_hospital_id
		WHERE %s
		ORDER BY ts_rank(m.fts, plainto_tsquery('english', $1)) DESC, m.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.SenderHospitalID, &r.RecipientHospitalID, &r.SenderName, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable text messages for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.sender_hospital_id, m.recipient_hospital_id,
			coalesce(h.name, ''), m.created_at
		FROM messages m
		LEFT JOIN hospitals h ON h.id = m.sender_hospital_id
		WHERE m.kind = 'text'
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		var createdAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.SenderHospitalID, &rec.RecipientHospitalID, &rec.SenderName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time.UnixMilli()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return records, nil
}
