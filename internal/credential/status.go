package credential

import (
	"errors"
	"fmt"
)

// Status is a platform secure-store result code. Values match the codes
// returned by Apple's Security framework so records and logs stay
// comparable across platforms.
type Status int32

const (
	StatusSuccess               Status = 0
	StatusItemNotFound          Status = -25300
	StatusDuplicateItem         Status = -25299
	StatusParam                 Status = -50
	StatusIO                    Status = -36
	StatusInteractionNotAllowed Status = -25308
	StatusDecode                Status = -26275
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusItemNotFound:
		return "item not found"
	case StatusDuplicateItem:
		return "duplicate item"
	case StatusParam:
		return "invalid parameter"
	case StatusIO:
		return "I/O error"
	case StatusInteractionNotAllowed:
		return "interaction not allowed"
	case StatusDecode:
		return "decode error"
	default:
		return fmt.Sprintf("status %d", int32(s))
	}
}

// OK reports whether the status is success.
func (s Status) OK() bool { return s == StatusSuccess }

// Sentinel errors matched by StatusError.Is.
var (
	ErrItemNotFound  = errors.New("credential not found")
	ErrDuplicateItem = errors.New("credential already exists")
)

// StatusError describes a failed secure-store call.
type StatusError struct {
	Op      string // Operation: "find", "add", "update", "delete"
	Service string
	Account string
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("credential %s failed for %s/%s: %s (%d)", e.Op, e.Service, e.Account, e.Status, int32(e.Status))
}

// Is matches the sentinel corresponding to the status code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrItemNotFound:
		return e.Status == StatusItemNotFound
	case ErrDuplicateItem:
		return e.Status == StatusDuplicateItem
	}
	return false
}

func statusError(op, service, account string, s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Service: service, Account: account, Status: s}
}
