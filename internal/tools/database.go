package tools

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/jkaninda/sanduku/internal/config"
)

// writePrefixes are SQL statement openers that mutate state or schema.
// They are rejected before the query ever reaches the database.
var writePrefixes = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE",
	"TRUNCATE", "GRANT", "REVOKE", "COPY", "VACUUM", "REINDEX",
	"COMMENT", "LOCK", "DISCARD", "SET ", "RESET", "BEGIN",
	"COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "PREPARE",
	"EXECUTE", "DEALLOCATE", "LISTEN", "NOTIFY", "UNLISTEN",
	"LOAD", "CLUSTER", "REFRESH", "SECURITY",
}

// readPrefixes are the only statement openers the tool accepts.
var readPrefixes = []string{"SELECT", "EXPLAIN", "SHOW", "DESCRIBE", "WITH"}

// DatabaseTool runs read-only SQL against the project database. The
// connection opens lazily on first use and is shared across calls.
type DatabaseTool struct {
	cfg    config.DatabaseConfig
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewDatabaseTool creates the database_read tool.
func NewDatabaseTool(cfg config.DatabaseConfig, logger *slog.Logger) *DatabaseTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabaseTool{cfg: cfg, logger: logger}
}

func (t *DatabaseTool) Name() string { return "database_read" }
func (t *DatabaseTool) Description() string {
	return "Run a read-only SQL query (SELECT, EXPLAIN, SHOW, DESCRIBE, WITH)"
}

func (t *DatabaseTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":    map[string]any{"type": "string", "description": "Read-only SQL statement to execute"},
			"max_rows": map[string]any{"type": "number", "description": "Row cap for this query, bounded by the configured limit"},
		},
		"required": []string{"query"},
	}
}

func (t *DatabaseTool) Validate(params map[string]any) error {
	query, err := requireString(params, "query")
	if err != nil {
		return err
	}
	return checkReadOnly(query)
}

func (t *DatabaseTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	query, err := requireString(params, "query")
	if err != nil {
		return nil, err
	}

	db, err := t.connect()
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	limit := t.cfg.RowLimit()
	if v, ok := params["max_rows"].(float64); ok && int(v) > 0 && int(v) < limit {
		limit = int(v)
	}

	queryCtx, cancel := context.WithTimeout(ctx, t.cfg.QueryTimeout())
	defer cancel()

	t.logger.InfoContext(ctx, "database_read query",
		slog.String("query_prefix", firstLine(query, 100)),
		slog.Int("row_limit", limit),
	)

	rows, err := db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	output, count, err := renderRows(rows, limit)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}

	return &Result{
		Output:  TruncateOutput(output, MaxOutputBytes),
		Success: true,
		Metadata: map[string]any{
			"rows_returned": count,
			"row_limit":     limit,
		},
	}, nil
}

// connect opens the shared connection on first use. The pool is kept small,
// this is a tool, not a server.
func (t *DatabaseTool) connect() (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.db != nil {
		return t.db, nil
	}
	if t.cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not configured")
	}

	db, err := sql.Open("pgx", t.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	t.db = db
	return db, nil
}

// Close releases the underlying connection pool, if one was opened.
func (t *DatabaseTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

// checkReadOnly rejects statements that could mutate the database.
func checkReadOnly(query string) error {
	stmt := stripLeadingSQLComments(strings.TrimSpace(query))
	if stmt == "" {
		return fmt.Errorf("query must not be empty")
	}

	upper := strings.ToUpper(stmt)
	for _, prefix := range writePrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("query blocked: %s statements are not allowed in read-only mode", strings.TrimSpace(prefix))
		}
	}

	allowed := false
	for _, prefix := range readPrefixes {
		if strings.HasPrefix(upper, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("query must start with one of: %s", strings.Join(readPrefixes, ", "))
	}

	// A semicolon anywhere but the tail means stacked statements.
	if strings.Contains(strings.TrimRight(stmt, "; \t\n\r"), ";") {
		return fmt.Errorf("multiple statements not allowed; submit one query at a time")
	}
	return nil
}

func stripLeadingSQLComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.Index(s, "\n")
			if idx < 0 {
				return ""
			}
			s = s[idx+1:]
		case strings.HasPrefix(s, "/*"):
			idx := strings.Index(s, "*/")
			if idx < 0 {
				return ""
			}
			s = s[idx+2:]
		default:
			return s
		}
	}
}

// renderRows formats a result set as a tab-separated table with a header
// row, stopping at limit.
func renderRows(rows *sql.Rows, limit int) (string, int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("columns: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(cols, "\t"))
	sb.WriteString("\n")

	values := make([]any, len(cols))
	scan := make([]any, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if count >= limit {
			fmt.Fprintf(&sb, "\n... [results truncated at %d rows]", limit)
			break
		}
		if err := rows.Scan(scan...); err != nil {
			return "", count, fmt.Errorf("scanning row %d: %w", count, err)
		}
		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			sb.WriteString(renderValue(v))
		}
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", count, fmt.Errorf("iterating rows: %w", err)
	}
	if count == 0 {
		sb.WriteString("(no rows returned)\n")
	}
	return sb.String(), count, nil
}

func renderValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if len(s) > 500 {
			return s[:500] + "..."
		}
		return s
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func firstLine(q string, n int) string {
	q = strings.ReplaceAll(q, "\n", " ")
	if len(q) > n {
		return q[:n] + "..."
	}
	return q
}
