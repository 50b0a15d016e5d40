package offlinecache

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrOffline is returned when a request is not cached and the network failed.
	ErrOffline = errors.New("offline: no cached response and network request failed")
	// ErrInstallFailed is returned when not every manifest resource could be stored.
	ErrInstallFailed = errors.New("install failed")
)

// ActivateError collects the old cache generations that could not be deleted.
// Activation still succeeds, the error is only logged.
type ActivateError struct {
	Failed map[string]error
}

func (e *ActivateError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("could not delete cache generations %s", strings.Join(names, ", "))
}

func (e *ActivateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
