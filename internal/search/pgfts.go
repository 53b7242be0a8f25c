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

// Search executes a UNION ALL query across tasks and messages using
// plainto_tsquery and ts_rank, with ts_headline for snippets. Results are
// restricted to the caller's project memberships.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if len(q.ProjectIDs) == 0 {
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	scopeIDs := q.ProjectIDs
	if q.FilterProjectID != "" {
		scopeIDs = []string{q.FilterProjectID}
	}
	placeholders := make([]string, len(scopeIDs))
	for i, id := range scopeIDs {
		placeholders[i] = fmt.Sprintf("$%d", argN)
		args = append(args, id)
		argN++
	}
	scopeClause := fmt.Sprintf("project_id IN (%s)", strings.Join(placeholders, ", "))

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultTask {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.title,
				ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.project_id, t.status,
				ts_rank(t.fts, %s) AS rank
			FROM tasks t
			WHERE t.fts @@ %s AND t.%s`, tsQuery, tsQuery, tsQuery, scopeClause))
	}

	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, m.sender AS title,
				ts_headline('english', coalesce(m.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.project_id, ''::text AS status,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			WHERE m.fts @@ %s AND m.%s`, tsQuery, tsQuery, tsQuery, scopeClause))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TaskRecord, []MessageRecord, error) {
	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, coalesce(description, ''), project_id, status, priority
		FROM tasks
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var t TaskRecord
		if err := taskRows.Scan(&t.ID, &t.Title, &t.Description, &t.ProjectID, &t.Status, &t.Priority); err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT id, content, project_id, sender
		FROM messages
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.Content, &m.ProjectID, &m.Sender); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return tasks, messages, nil
}
