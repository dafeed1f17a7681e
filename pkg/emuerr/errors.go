// Package emuerr holds the error types reported by the emulator core.
//
// ProtocolViolation, ConstructionFailure and ProcessExit are returned as
// errors and are fatal to the operation that produced them.
// ConfigurationWarning and ShapingStepError are diagnostics: they are logged
// and collected, but never abort the caller.
package emuerr

import (
	"fmt"
	"strings"
)

// ProtocolViolation is returned when a command is sent to a node that is
// still waiting for the output of a previous command.
type ProtocolViolation struct {
	Node    string
	Pending string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("node %s: command sent while still waiting for %q", e.Node, e.Pending)
}

// ConstructionFailure is returned when a link or namespace could not be set
// up. A topology that hit one of these must not be used.
type ConstructionFailure struct {
	Intf   string
	Host1  string
	Host2  string
	Reason string
	Err    error
}

func (e *ConstructionFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cannot build %s (%s <-> %s): %s", e.Intf, e.Host1, e.Host2, e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err.Error())
	}
	return sb.String()
}

func (e *ConstructionFailure) Unwrap() error {
	return e.Err
}

// ConfigurationWarning reports a shaping parameter that was out of range
// and has been ignored.
type ConfigurationWarning struct {
	Intf   string
	Param  string
	Value  any
	Reason string
}

func (e *ConfigurationWarning) Error() string {
	return fmt.Sprintf("%s: ignoring %s=%v: %s", e.Intf, e.Param, e.Value, e.Reason)
}

// ShapingStepError reports a tc command that printed something. The
// remaining commands of the chain are still applied.
type ShapingStepError struct {
	Intf    string
	Command string
	Output  string
}

func (e *ShapingStepError) Error() string {
	return fmt.Sprintf("%s: %q: %s", e.Intf, e.Command, strings.TrimSpace(e.Output))
}

// ProcessExit reports that a node shell or a tunnel transport exited while
// it was expected to be running. Code is -1 when unknown.
type ProcessExit struct {
	Name string
	Code int
}

func (e *ProcessExit) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("%s: process exited", e.Name)
	}
	return fmt.Sprintf("%s: process exited with code %d", e.Name, e.Code)
}
