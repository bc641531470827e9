package guard

import (
	"errors"
	"fmt"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// CodeAccessDenied is the error code attached to policy rejections.
const CodeAccessDenied = "PAIG-400004"

// AccessControlError is a structured rejection raised by a guard service.
type AccessControlError struct {
	Code    string
	Message string
}

func (e *AccessControlError) Error() string {
	return fmt.Sprintf("ERROR: %s: %s", e.Code, e.Message)
}

func (e *AccessControlError) Is(target error) bool {
	return target == domain.ErrGuardDenied
}

// ServiceError reports a guard service that could not produce a decision.
type ServiceError struct {
	Status int
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("guard service returned status %d", e.Status)
	}
	return fmt.Sprintf("guard service unreachable: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) Is(target error) bool {
	return target == domain.ErrGuardService
}

// IsAccessControl reports whether err is a policy rejection.
func IsAccessControl(err error) bool {
	var ace *AccessControlError
	return errors.As(err, &ace)
}
