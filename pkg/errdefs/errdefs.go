// Package errdefs defines the error taxonomy of the engine.
//
// Every error returned across a component boundary either is one of the
// typed errors below or wraps one, so callers classify failures with
// errors.As or the Is* helpers instead of matching strings.
package errdefs

import (
	"errors"
	"fmt"
)

// ConfigError is a fatal configuration problem found before anything is applied
type ConfigError struct {
	Source string // Fragment or file that caused the error, if known
	Msg    string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Msg
	if e.Source != "" {
		msg = fmt.Sprintf("%s: %s", e.Source, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", msg, e.Err)
	}
	return "config error: " + msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PlacementError is a placement constraint that cannot be resolved
type PlacementError struct {
	Service string
	Msg     string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("placement error: service %s: %s", e.Service, e.Msg)
}

// ConflictError means another run holds the project's lease or has already
// committed a newer version
type ConflictError struct {
	Project string
	Holder  string
	Msg     string
}

func (e *ConflictError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("conflict: project %s: %s (held by %s)", e.Project, e.Msg, e.Holder)
	}
	return fmt.Sprintf("conflict: project %s: %s", e.Project, e.Msg)
}

// NetworkError is a failure to reach a node or seed
type NetworkError struct {
	Address string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Address, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is a rejected cluster token
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	return "auth error: " + e.Msg
}

// IdentityError means a node id is already held by a live node
type IdentityError struct {
	ID  int
	Msg string
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity error: node %d: %s", e.ID, e.Msg)
}

// RuntimeError is a failed container operation or health verification
type RuntimeError struct {
	Node    int
	Service string
	Op      string
	Err     error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %s %s on node %d: %v", e.Op, e.Service, e.Node, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// ErrNotFound is returned by lookups of records that do not exist
var ErrNotFound = errors.New("not found")

// ErrHealthTimeout is wrapped by RuntimeError when verification runs out of time
var ErrHealthTimeout = errors.New("health check timed out")

// Configf builds a ConfigError
func Configf(source, format string, args ...interface{}) error {
	return &ConfigError{Source: source, Msg: fmt.Sprintf(format, args...)}
}

// Placementf builds a PlacementError
func Placementf(service, format string, args ...interface{}) error {
	return &PlacementError{Service: service, Msg: fmt.Sprintf(format, args...)}
}

func IsConfig(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

func IsPlacement(err error) bool {
	var e *PlacementError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsNetwork(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsIdentity(err error) bool {
	var e *IdentityError
	return errors.As(err, &e)
}

func IsRuntime(err error) bool {
	var e *RuntimeError
	return errors.As(err, &e)
}

// IsPreApply reports whether err guarantees nothing was applied
func IsPreApply(err error) bool {
	return IsConfig(err) || IsPlacement(err) || IsConflict(err)
}
