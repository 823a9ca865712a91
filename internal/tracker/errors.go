package tracker

import (
	"errors"
	"fmt"
)

// ConfigError reports missing or invalid required input. It is fatal and raised
// before any network activity.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// FetchError reports a per-URL network or HTTP failure.
type FetchError struct {
	URL        TrackedURL
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NotifyError reports a failure to deliver the change notification.
type NotifyError struct {
	Recipient string
	Err       error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Recipient, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// PersistError reports a digest store failure. It is fatal for the run.
type PersistError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should abort the run: configuration and persistence failures.
func IsFatal(err error) bool {
	var cfgErr *ConfigError
	var persistErr *PersistError
	return errors.As(err, &cfgErr) || errors.As(err, &persistErr)
}
