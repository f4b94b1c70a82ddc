package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"snackloader-backend/internal/model"
)

var (
	// ErrNotFound is returned when a device or command does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a device id twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStaleVersion is returned when a device aggregate changed between
	// read and write.
	ErrStaleVersion = errors.New("stale device version")
)

// IsTransient reports whether err is worth retrying: lost optimistic races,
// postgres serialization failures and deadlocks, and sqlite busy errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleVersion) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// DeviceTx is the transactional view of one device handed to MutateDevice.
// Everything written through it commits or rolls back with the aggregate.
type DeviceTx interface {
	// Device returns the aggregate loaded at the start of the transaction.
	Device() *model.Device
	AddCommand(c *model.Command) error
	SaveCommand(c *model.Command) error
	// PendingCommands returns the unprocessed commands of the given type,
	// oldest first.
	PendingCommands(t model.CommandType) ([]model.Command, error)
	AddFeedLog(l *model.FeedLog) error
}

// MutateFunc changes a device inside a transaction. Returning an error rolls
// the transaction back and is passed through to the caller unchanged.
type MutateFunc func(tx DeviceTx) error

// StaleFeed identifies a pet that has been feeding for too long.
type StaleFeed struct {
	DeviceID string
	Pet      model.Pet
}
