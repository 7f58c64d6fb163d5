package kernelstore

import (
	"database/sql"
	"strconv"
	"strings"
)

// dbconn and dbtx abstract over *sql.DB / *sql.Tx so the postgres backend
// can transparently rewrite "?" placeholders to "$1, $2, ..." while SQLite
// and MySQL use *sql.DB/*sql.Tx directly (both drivers accept "?" natively).
type dbconn interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Begin() (dbtx, error)
	Close() error
}

type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// plainDB adapts *sql.DB to dbconn for drivers that accept "?" natively.
type plainDB struct{ *sql.DB }

func (p plainDB) Begin() (dbtx, error) {
	tx, err := p.DB.Begin()
	if err != nil {
		return nil, err
	}
	return plainTx{tx}, nil
}

type plainTx struct{ *sql.Tx }

// rewritingDB rewrites "?" placeholders to Postgres-style "$N" before
// delegating to the underlying *sql.DB.
type rewritingDB struct{ *sql.DB }

func (r rewritingDB) Exec(query string, args ...any) (sql.Result, error) {
	return r.DB.Exec(rewritePlaceholders(query), args...)
}

func (r rewritingDB) Query(query string, args ...any) (*sql.Rows, error) {
	return r.DB.Query(rewritePlaceholders(query), args...)
}

func (r rewritingDB) QueryRow(query string, args ...any) *sql.Row {
	return r.DB.QueryRow(rewritePlaceholders(query), args...)
}

func (r rewritingDB) Begin() (dbtx, error) {
	tx, err := r.DB.Begin()
	if err != nil {
		return nil, err
	}
	return rewritingTx{tx}, nil
}

type rewritingTx struct{ *sql.Tx }

func (t rewritingTx) Exec(query string, args ...any) (sql.Result, error) {
	return t.Tx.Exec(rewritePlaceholders(query), args...)
}

func (t rewritingTx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.Tx.Query(rewritePlaceholders(query), args...)
}

func (t rewritingTx) QueryRow(query string, args ...any) *sql.Row {
	return t.Tx.QueryRow(rewritePlaceholders(query), args...)
}

// rewritePlaceholders converts each "?" outside of single-quoted string
// literals into a sequentially numbered "$N" placeholder.
func rewritePlaceholders(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
