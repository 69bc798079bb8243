/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers wrap these with context; tests and the API match them with
  errors.Is / errors.As.

ERROR CATEGORIES:
  1. Configuration errors - Missing or malformed entity parameters (fail fast)
  2. Sequencing errors - Facility compute/finalize misuse
  3. Cycle errors - Circular dependencies between derived quantities
  4. Run errors - An entity failed inside the orchestrator
  5. Schema errors - Annual roll-up classification out of sync with Row

NUMERIC EDGE CASES ARE NOT ERRORS:
  Near-zero balances and division by zero remaining periods are clamped to
  zero locally (see types.go). They never surface here.

USAGE:
  if errors.Is(err, engine.ErrInvalidConfig) {
      var cfgErr *engine.ConfigError
      errors.As(err, &cfgErr)
      fmt.Println(cfgErr.Field)
  }
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidConfig is returned when entity or scenario parameters are malformed.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingField is returned when a required parameter is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrComputeRequired is returned when Finalize is called without a matching Compute.
	ErrComputeRequired = errors.New("finalize called without compute for period")

	// ErrPeriodOutOfOrder is returned when periods are settled non-sequentially.
	ErrPeriodOutOfOrder = errors.New("period settled out of order")

	// ErrPeriodOutOfRange is returned for an index outside the timeline.
	ErrPeriodOutOfRange = errors.New("period index out of range")

	// ErrDependencyCycle is returned when derived quantities depend on each other.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrEntityFailed is returned when an entity run aborts inside the orchestrator.
	ErrEntityFailed = errors.New("entity run failed")

	// ErrUnknownEntity is returned when a reference names an entity not in the scenario.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrRunNotFound is returned by run stores for a missing run ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrSchemaMismatch is returned when the annual roll-up schema does not match Row.
	ErrSchemaMismatch = errors.New("row schema mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigError identifies the entity and field that failed validation.
type ConfigError struct {
	Entity  EntityID
	Field   string
	Reason  string
	Missing bool
}

func (e *ConfigError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for entity %s: %s: %s", e.Entity, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Is lets a missing-field error also match ErrMissingField.
func (e *ConfigError) Is(target error) bool {
	return e.Missing && target == ErrMissingField
}

func missingField(entity EntityID, field string) *ConfigError {
	return &ConfigError{Entity: entity, Field: field, Reason: "is required", Missing: true}
}

func invalidField(entity EntityID, field, reason string) *ConfigError {
	return &ConfigError{Entity: entity, Field: field, Reason: reason}
}

// withEntity stamps an entity onto a ConfigError raised by a component that
// does not know which entity it belongs to.
func withEntity(err error, entity EntityID) error {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Entity == "" {
		stamped := *cfgErr
		stamped.Entity = entity
		return &stamped
	}
	return err
}

// CycleError lists the names participating in a dependency cycle.
type CycleError struct {
	Names []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Names, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrDependencyCycle }

// EntityError reports which entity failed and in which orchestrator pass.
type EntityError struct {
	Entity EntityID
	Pass   string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("entity %s failed in %s: %v", e.Entity, e.Pass, e.Err)
}

func (e *EntityError) Unwrap() []error { return []error{ErrEntityFailed, e.Err} }

// SchemaError lists Row fields whose annual classification is wrong.
type SchemaError struct {
	Missing   []string // fields on Row with no classification
	Unknown   []string // classified names that are not fields on Row
	Duplicate []string // names classified more than once
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "unclassified: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, "duplicate: "+strings.Join(e.Duplicate, ", "))
	}
	return "row schema mismatch: " + strings.Join(parts, "; ")
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConfigError returns true if the error is due to invalid input configuration.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrDependencyCycle)
}

// IsNotFound returns true if the error indicates a missing run or entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrUnknownEntity)
}
