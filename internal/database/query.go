package database

import (
	"fmt"
	"strings"
)

// QueryBuilder provides SQL query building functionality
type QueryBuilder struct {
	sql      strings.Builder
	args     []any
	argIndex int
	driver   string
	hasWhere bool
}

// NewQueryBuilder creates new query builder
func NewQueryBuilder(driver string) *QueryBuilder {
	return &QueryBuilder{
		driver: driver,
		args:   make([]any, 0),
	}
}

// SQL returns the built query string
func (qb *QueryBuilder) SQL() string {
	return qb.sql.String()
}

// Args returns query arguments
func (qb *QueryBuilder) Args() []any {
	return qb.args
}

// Select adds SELECT clause
func (qb *QueryBuilder) Select(cols ...string) *QueryBuilder {
	qb.sql.WriteString("SELECT ")
	qb.sql.WriteString(strings.Join(cols, ", "))
	return qb
}

// From adds FROM clause
func (qb *QueryBuilder) From(table string) *QueryBuilder {
	qb.sql.WriteString(" FROM ")
	qb.sql.WriteString(table)
	return qb
}

// Where adds WHERE condition
func (qb *QueryBuilder) Where(cond string, args ...any) *QueryBuilder {
	if !qb.hasWhere {
		qb.sql.WriteString(" WHERE ")
		qb.hasWhere = true
	} else {
		qb.sql.WriteString(" AND ")
	}

	qb.sql.WriteString(qb.bind(cond, len(args)))
	qb.args = append(qb.args, args...)
	return qb
}

// OrderBy adds ORDER BY clause
func (qb *QueryBuilder) OrderBy(cols ...string) *QueryBuilder {
	qb.sql.WriteString(" ORDER BY ")
	qb.sql.WriteString(strings.Join(cols, ", "))
	return qb
}

// Limit adds LIMIT clause
func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	if limit > 0 {
		fmt.Fprintf(&qb.sql, " LIMIT %d", limit)
	}
	return qb
}

// Offset adds OFFSET clause
func (qb *QueryBuilder) Offset(offset int) *QueryBuilder {
	if offset > 0 {
		fmt.Fprintf(&qb.sql, " OFFSET %d", offset)
	}
	return qb
}

// bind converts n ? placeholders in cond for the driver
func (qb *QueryBuilder) bind(cond string, n int) string {
	if qb.driver != "postgres" {
		return cond
	}
	for i := 0; i < n; i++ {
		qb.argIndex++
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", qb.argIndex), 1)
	}
	return cond
}
