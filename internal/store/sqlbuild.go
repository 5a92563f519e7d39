package store

import (
	"fmt"
	"strings"
)

// stmt accumulates the optional SET assignments and WHERE conditions of a
// query, keeping their placeholders and arguments in step.
type stmt struct {
	sets   []string
	conds  []string
	setArg []any
	whArg  []any
}

func (q *stmt) set(column string, v any) *stmt {
	q.sets = append(q.sets, column+" = ?")
	q.setArg = append(q.setArg, v)
	return q
}

func (q *stmt) where(cond string, args ...any) *stmt {
	q.conds = append(q.conds, cond)
	q.whArg = append(q.whArg, args...)
	return q
}

func (q *stmt) empty() bool { return len(q.sets) == 0 }

// update renders "UPDATE table SET ... WHERE ..." with SET arguments first.
func (q *stmt) update(table string) (string, []any) {
	sql := "UPDATE " + table + " SET " + strings.Join(q.sets, ", ")
	if len(q.conds) > 0 {
		sql += " WHERE " + strings.Join(q.conds, " AND ")
	}
	return sql, append(append([]any{}, q.setArg...), q.whArg...)
}

// selectFrom renders a SELECT over columns with the collected conditions,
// an ORDER BY and an optional page.
func (q *stmt) selectFrom(table, columns, orderBy string, limit, offset int) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, table)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy)
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", offset)
		}
	}
	return b.String(), q.whArg
}
