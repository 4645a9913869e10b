package scrub

import (
	"errors"
	"fmt"
)

// Verdict is the outcome of processing one packet.
type Verdict uint8

const (
	// VerdictPass forwards the (possibly rewritten) packet.
	VerdictPass Verdict = iota
	// VerdictPending means the packet was a fragment absorbed into the
	// cache; nothing is forwarded yet.
	VerdictPending
	// VerdictDrop discards the packet.
	VerdictDrop
)

var verdictNames = map[Verdict]string{
	VerdictPass:    "pass",
	VerdictPending: "pending",
	VerdictDrop:    "drop",
}

func (v Verdict) String() string {
	if s, ok := verdictNames[v]; ok {
		return s
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Reason explains a drop.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonNorm is an illegal or policy-violating header.
	ReasonNorm
	// ReasonFrag is bad fragment geometry, an overlap or a fragment limit.
	ReasonFrag
	// ReasonShort is a length inconsistency.
	ReasonShort
	// ReasonMemory is fragment pool exhaustion.
	ReasonMemory
	// ReasonTS is a timestamp or PAWS violation.
	ReasonTS
)

var reasonNames = map[Reason]string{
	ReasonNone:   "none",
	ReasonNorm:   "normalize",
	ReasonFrag:   "fragment",
	ReasonShort:  "short",
	ReasonMemory: "memory",
	ReasonTS:     "bad-timestamp",
}

// Reasons lists every drop reason in counter order.
var Reasons = []Reason{ReasonNorm, ReasonFrag, ReasonShort, ReasonMemory, ReasonTS}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// DropError carries the reason a packet was dropped along with its cause.
type DropError struct {
	Reason Reason
	Err    error
}

func (e *DropError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DropError) Unwrap() error {
	return e.Err
}

func dropf(r Reason, format string, args ...any) error {
	return &DropError{Reason: r, Err: fmt.Errorf(format, args...)}
}

func dropErr(r Reason, err error) error {
	return &DropError{Reason: r, Err: err}
}

// ReasonOf extracts the drop reason from err. Errors that carry none are
// header violations.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var de *DropError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonNorm
}
