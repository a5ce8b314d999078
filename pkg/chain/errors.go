package chain

import "fmt"

// RejectionError reports that a stage explicitly aborted the chain. It
// carries the stage name and a human-readable reason; pipeline callers
// treat it as a user-visible failure, not an internal error.
type RejectionError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("stage %s rejected: %s", e.Stage, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// ConfigError reports an unsatisfiable stage graph (duplicate names,
// unknown dependencies, cycles). It is raised at chain construction,
// never at execution time.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "chain configuration: " + e.Message
}
