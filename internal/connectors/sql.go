package connectors

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/miradorstack/mirador-federator/internal/models"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// SQLConnector reads rows from a PostgreSQL or MySQL data warehouse table.
//
// Options: table (required, may contain {capability}), search_column (matched with LIKE
// against the query text), columns (comma separated, defaults to *), order_by.
// Filters become equality predicates on columns with valid identifier names.
type SQLConnector struct {
	ep           models.Endpoint
	db           *sql.DB
	dialect      string
	table        string
	searchColumn string
	columns      string
	orderBy      string
	mapper       recordMapper
}

// NewSQL is the factory for the postgres and mysql kinds.
func NewSQL(ep models.Endpoint, opts Options) (Connector, error) {
	driver := "postgres"
	if ep.Kind == KindMySQL {
		driver = "mysql"
	}
	db, err := sql.Open(driver, ep.URL)
	if err != nil {
		return nil, newError(ep, "init", err)
	}
	db.SetMaxOpenConns(intOption(ep, "max_open_conns", 10))
	db.SetMaxIdleConns(intOption(ep, "max_idle_conns", 5))
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLConnector(ep, db, driver)
}

func newSQLConnector(ep models.Endpoint, db *sql.DB, dialect string) (*SQLConnector, error) {
	table := option(ep, "table", "")
	if table == "" {
		return nil, newError(ep, "init", fmt.Errorf("option table is required"))
	}
	columns := "*"
	if raw := option(ep, "columns", ""); raw != "" {
		cols := splitFields(raw)
		if len(cols) > 0 {
			columns = strings.Join(cols, ", ")
		}
	}
	orderBy := option(ep, "order_by", "")
	if orderBy != "" && !validIdentifier(orderBy) {
		return nil, newError(ep, "init", fmt.Errorf("invalid order_by %q", orderBy))
	}
	search := option(ep, "search_column", "")
	if search != "" && !validIdentifier(search) {
		return nil, newError(ep, "init", fmt.Errorf("invalid search_column %q", search))
	}
	return &SQLConnector{
		ep:           ep,
		db:           db,
		dialect:      dialect,
		table:        table,
		searchColumn: search,
		columns:      columns,
		orderBy:      orderBy,
		mapper:       mapperFor(ep),
	}, nil
}

// Probe pings the database.
func (c *SQLConnector) Probe(ctx context.Context) (HealthResult, error) {
	start := time.Now()
	err := c.db.PingContext(ctx)
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Latency: latency}, newError(c.ep, "probe", err)
	}
	return HealthResult{Healthy: true, Latency: latency}, nil
}

// Execute runs a parameterised SELECT.
func (c *SQLConnector) Execute(ctx context.Context, q models.SubQuery) (Result, error) {
	statement, args, err := c.buildSelect(q)
	if err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}

	rows, err := c.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, newError(c.ep, "execute", fmt.Errorf("scan row: %w", err))
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	return Result{Records: c.mapper.records(out, q.Limit), Endpoint: c.ep.Name}, nil
}

// Close closes the pool.
func (c *SQLConnector) Close() error {
	return c.db.Close()
}

func (c *SQLConnector) buildSelect(q models.SubQuery) (string, []any, error) {
	table := expand(c.table, q)
	for _, part := range strings.Split(table, ".") {
		if !validIdentifier(part) {
			return "", nil, fmt.Errorf("invalid table %q", table)
		}
	}

	var (
		where []string
		args  []any
	)
	for _, key := range sortedKeys(q.Filters) {
		if !validIdentifier(key) {
			continue
		}
		args = append(args, q.Filters[key])
		where = append(where, fmt.Sprintf("%s = %s", key, c.placeholder(len(args))))
	}
	if c.searchColumn != "" && strings.TrimSpace(q.Text) != "" {
		args = append(args, "%"+q.Text+"%")
		where = append(where, fmt.Sprintf("%s LIKE %s", c.searchColumn, c.placeholder(len(args))))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", c.columns, table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if c.orderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s DESC", c.orderBy)
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return b.String(), args, nil
}

func (c *SQLConnector) placeholder(n int) string {
	if c.dialect == "mysql" {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func intOption(ep models.Endpoint, key string, fallback int) int {
	if v, err := strconv.Atoi(option(ep, key, "")); err == nil && v > 0 {
		return v
	}
	return fallback
}
