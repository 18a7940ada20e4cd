package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	log "github.com/sirupsen/logrus"
)

type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type ExecQueryer interface {
	Queryer
	Execer
}

// TxBeginner is satisfied by *sql.DB and by NewLoggingDB.
type TxBeginner interface {
	ExecQueryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type loggingDB struct {
	db         *sql.DB
	logger     log.FieldLogger
	logQueries bool
}

// NewLoggingDB wraps db so that every statement is logged at debug level when
// logQueries is true. Statements run inside a transaction are not logged.
func NewLoggingDB(db *sql.DB, logger log.FieldLogger, logQueries bool) TxBeginner {
	return &loggingDB{
		db:         db,
		logger:     logger,
		logQueries: logQueries,
	}
}

func (l *loggingDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if l.logQueries {
		l.logger.Debugf("QUERY: %s [%s]", query, argsString(args...))
	}
	return l.db.QueryContext(ctx, query, args...)
}

func (l *loggingDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if l.logQueries {
		l.logger.Debugf("QUERY: %s [%s]", query, argsString(args...))
	}
	return l.db.QueryRowContext(ctx, query, args...)
}

func (l *loggingDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if l.logQueries {
		l.logger.Debugf("EXEC: %s [%s]", query, argsString(args...))
	}
	return l.db.ExecContext(ctx, query, args...)
}

func (l *loggingDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if l.logQueries {
		l.logger.Debugf("BEGIN")
	}
	return l.db.BeginTx(ctx, opts)
}

// argsString pretty prints arguments passed into it for logging query
// arguments
func argsString(args ...interface{}) string {
	var margs string
	for i, a := range args {
		var v interface{} = a
		if x, ok := v.(driver.Valuer); ok {
			y, err := x.Value()
			if err == nil {
				v = y
			}
		}
		switch v.(type) {
		case string, []byte:
			v = fmt.Sprintf("%q", v)
		default:
			v = fmt.Sprintf("%v", v)
		}
		margs += fmt.Sprintf("%d:%s", i+1, v)
		if i+1 < len(args) {
			margs += " "
		}
	}
	return margs
}
