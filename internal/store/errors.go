package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// RemoteWriteError reports a failed create/update/upsert against the
// remote store — either a constraint violation or a connectivity failure.
type RemoteWriteError struct {
	Table      string
	Op         string
	Constraint string // non-empty when a unique/check constraint fired
	Err        error
}

func (e *RemoteWriteError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("store: %s %s: constraint %s: %v", e.Op, e.Table, e.Constraint, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// NotFoundError reports an update that targeted a non-existent id.
type NotFoundError struct {
	Table string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store: %s: id %s not found", e.Table, e.ID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// writeErr wraps a driver error into a RemoteWriteError, extracting the
// constraint name when the driver reports one.
func writeErr(table, op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &RemoteWriteError{Table: table, Op: op, Constraint: pqErr.Constraint, Err: err}
	}
	return &RemoteWriteError{Table: table, Op: op, Err: err}
}

// notFoundOrWriteErr maps sql.ErrNoRows to NotFoundError, anything else
// to RemoteWriteError.
func notFoundOrWriteErr(table, op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Table: table, ID: id}
	}
	return writeErr(table, op, err)
}
