// Package errs provides the small error-construction helpers used
// throughout fluxgraph instead of ad-hoc fmt.Errorf call sites.
package errs

import "fmt"

// New creates an error carrying msg.
func New(msg string) error {
	return fmt.Errorf("%s", msg)
}

// Wrap attaches msg as context ahead of err, preserving it for errors.Is/As.
func Wrap(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Timeout builds a standard timeout error for operation.
func Timeout(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}
