package tosser

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stlalpha/v3mail/internal/ftn"
)

// ErrBusy is returned by Export and Import when a run in the same direction
// is already in flight.
var ErrBusy = errors.New("tosser: run already in progress")

// ConfigurationError reports a unit (area, node, TIC area) that cannot be
// processed with the current configuration. The unit is skipped.
type ConfigurationError struct {
	Unit   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration: %s: %s", e.Unit, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// AddressResolutionError reports a destination with no usable network or
// route. The message stays queued for the next run.
type AddressResolutionError struct {
	Addr   ftn.Address
	Reason string
}

func (e *AddressResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Addr, e.Reason)
}

func (e *AddressResolutionError) Unwrap() error { return nil }

// DuplicateMessageError reports an inbound message that is already stored.
type DuplicateMessageError struct {
	MsgID      string
	UUID       uuid.UUID
	ExistingID int64
	Err        error
}

func (e *DuplicateMessageError) Error() string {
	if e.MsgID != "" {
		return fmt.Sprintf("duplicate message MSGID %q (stored as %d)", e.MsgID, e.ExistingID)
	}
	return fmt.Sprintf("duplicate message %s", e.UUID)
}

func (e *DuplicateMessageError) Unwrap() error { return e.Err }

// TransferPrepError reports an inbound file that could not be prepared for
// storage: unreadable, failed validation, or could not be copied.
type TransferPrepError struct {
	Path   string
	Reason string
	Err    error
}

func (e *TransferPrepError) Error() string {
	msg := fmt.Sprintf("prepare %s: %s", e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferPrepError) Unwrap() error { return e.Err }
