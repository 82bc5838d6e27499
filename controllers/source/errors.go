package source

import (
	"errors"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// RevisionNotFoundError indicates that the referenced repository or revision
// does not resolve to a fetchable artifact.
type RevisionNotFoundError struct {
	Kind string
	Name client.ObjectKey
	Err  error
}

func (e RevisionNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("revision not found for %s %s: %s", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("revision not found for %s %s", e.Kind, e.Name)
}

func (e RevisionNotFoundError) Unwrap() error {
	return e.Err
}

// IsRevisionNotFound returns true if the error indicates a missing revision.
func IsRevisionNotFound(err error) bool {
	return errors.As(err, &RevisionNotFoundError{})
}

// UnreachableError indicates a network or auth failure talking to the
// manifest source.
type UnreachableError struct {
	URL string
	Err error
}

func (e UnreachableError) Error() string {
	return fmt.Sprintf("source %s unreachable: %s", e.URL, e.Err)
}

func (e UnreachableError) Unwrap() error {
	return e.Err
}

// IsUnreachable returns true if the error indicates an unreachable source.
func IsUnreachable(err error) bool {
	return errors.As(err, &UnreachableError{})
}
