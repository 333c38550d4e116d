package state

import (
	"fmt"

	"github.com/lib/pq"

	"github.com/driftpool/clamm-engine/internal/logger"
)

var stateLog = logger.GetForComponent("persistence_adapter")

// WriteError is the typed error every safeInsert/safeUpdate/safeUpsert
// failure is wrapped in. Callers decide disposition: entry aborts and
// releases capital, exit-trade-row failures preserve open state, and
// snapshot/log failures are logged and swallowed by the caller.
type WriteError struct {
	Operation string
	ID        string
	Code      string
	Detail    string
	Cause     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persistence write failed: op=%s id=%s code=%s detail=%s: %v",
		e.Operation, e.ID, e.Code, e.Detail, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// driverCode extracts the PostgreSQL error code/message when the driver
// error is a *pq.Error, falling back to the bare error string otherwise.
func driverCode(err error) (code, detail string) {
	if pqErr, ok := err.(*pq.Error); ok {
		return string(pqErr.Code), pqErr.Message
	}
	return "", err.Error()
}

// safeExec runs a write statement and wraps any failure in a *WriteError,
// logging `[DB-ERROR]` with the operation tag, id, and driver code/detail.
// It never swallows the error.
func safeExec(operation, id string, run func() error) error {
	if err := run(); err != nil {
		code, detail := driverCode(err)
		werr := &WriteError{Operation: operation, ID: id, Code: code, Detail: detail, Cause: err}
		stateLog.Error().
			Str("op", operation).
			Str("id", id).
			Str("code", code).
			Str("detail", detail).
			Msg("[DB-ERROR]")
		return werr
	}
	return nil
}

// safeInsert wraps an insert-style write.
func safeInsert(operation, id string, run func() error) error {
	err := safeExec(operation, id, run)
	if err == nil {
		stateLog.Info().Str("op", operation).Str("id", id).Msg("[DB-WRITE]")
	}
	return err
}

// safeUpdate wraps an update-style write.
func safeUpdate(operation, id string, run func() error) error {
	err := safeExec(operation, id, run)
	if err == nil {
		stateLog.Info().Str("op", operation).Str("id", id).Msg("[DB-WRITE]")
	}
	return err
}

// safeUpsert wraps an insert-or-update write (ON CONFLICT DO UPDATE).
func safeUpsert(operation, id string, run func() error) error {
	err := safeExec(operation, id, run)
	if err == nil {
		stateLog.Info().Str("op", operation).Str("id", id).Msg("[DB-WRITE]")
	}
	return err
}
