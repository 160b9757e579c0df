package client

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// Stmt implements database/sql/driver.Stmt. It carries no server-side
// prepared-statement handle of its own; every Exec/Query re-sends the
// original SQL text through the parent Conn, matching OJP's stateless,
// reconnect-safe execution model (spec.md §4.1 Statement Service C7 has no
// client-visible prepare phase).
type Stmt struct {
	conn     *Conn
	query    string
	numInput int
	closed   bool
}

func (s *Stmt) Close() error {
	s.closed = true
	s.conn.logf("prepared statement closed: %s", s.query)
	return nil
}

func (s *Stmt) NumInput() int {
	return s.numInput
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	if len(args) != s.numInput {
		return nil, fmt.Errorf("expected %d parameters, got %d", s.numInput, len(args))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.conn.config.Timeout)
	defer cancel()
	return s.conn.ExecContext(ctx, s.query, valuesToNamed(args))
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	if len(args) != s.numInput {
		return nil, fmt.Errorf("expected %d parameters, got %d", s.numInput, len(args))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.conn.config.Timeout)
	defer cancel()
	return s.conn.QueryContext(ctx, s.query, valuesToNamed(args))
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	if len(args) != s.numInput {
		return nil, fmt.Errorf("expected %d parameters, got %d", s.numInput, len(args))
	}
	return s.conn.ExecContext(ctx, s.query, args)
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if s.closed {
		return nil, fmt.Errorf("statement is closed")
	}
	if len(args) != s.numInput {
		return nil, fmt.Errorf("expected %d parameters, got %d", s.numInput, len(args))
	}
	return s.conn.QueryContext(ctx, s.query, args)
}

// Result implements driver.Result from the affected-row/insert-ID counts
// the server reports in an ExecuteResponse.
type Result struct {
	affectedRows int64
	lastInsertID int64
}

func (r *Result) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

func (r *Result) RowsAffected() (int64, error) {
	return r.affectedRows, nil
}

// countPlaceholders counts '?' placeholders in query, ignoring ones inside
// single-quoted string literals.
func countPlaceholders(query string) int {
	count := 0
	inString := false
	escaped := false

	for _, char := range query {
		switch {
		case escaped:
			escaped = false
		case char == '\\':
			escaped = true
		case char == '\'' && !escaped:
			inString = !inString
		case char == '?' && !inString && !escaped:
			count++
		}
	}

	return count
}
