// Package event defines the record handed to the trace recorder for every
// observed function call or return.
package event

import (
	"fmt"
	"strconv"
	"time"
)

// Kind is what happened to the function: it was entered or it returned.
type Kind uint8

const (
	// Call marks entry into a function.
	Call Kind = iota + 1
	// Return marks exit from a function.
	Return
)

// Valid reports whether k is one of the two defined kinds.
func (k Kind) Valid() bool {
	return k == Call || k == Return
}

// Phase returns the Trace Event Format phase code for k: "B" for Call and
// "E" for Return. Invalid kinds map to "".
func (k Kind) Phase() string {
	switch k {
	case Call:
		return "B"
	case Return:
		return "E"
	default:
		return ""
	}
}

func (k Kind) String() string {
	switch k {
	case Call:
		return "call"
	case Return:
		return "return"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind maps a notification name ("call" or "return") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "call":
		return Call, nil
	case "return":
		return Return, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

// Event is one observed call or return. It is a plain value: build it, pass
// it to a recorder and drop it.
type Event struct {
	Kind         Kind
	FunctionName string
	FunctionFile string
	FunctionLine int
	CallerFile   string
	CallerLine   int
	TimestampUS  int64
	PID          int
	TID          int
}

// New builds an Event from already extracted frame data.
func New(kind Kind, fnName, fnFile string, fnLine int, callerFile string, callerLine int, tsUS int64, pid, tid int) Event {
	return Event{
		Kind:         kind,
		FunctionName: fnName,
		FunctionFile: fnFile,
		FunctionLine: fnLine,
		CallerFile:   callerFile,
		CallerLine:   callerLine,
		TimestampUS:  tsUS,
		PID:          pid,
		TID:          tid,
	}
}

// HasCaller reports whether the notification carried a calling frame.
// Top-level entries have none and are never serialized.
func (e Event) HasCaller() bool {
	return e.CallerFile != ""
}

// FunctionRef returns "{file}:{line}:{name}".
func (e Event) FunctionRef() string {
	return e.FunctionFile + ":" + strconv.Itoa(e.FunctionLine) + ":" + e.FunctionName
}

// CallerRef returns "{file}:{line}" of the call site.
func (e Event) CallerRef() string {
	return e.CallerFile + ":" + strconv.Itoa(e.CallerLine)
}

// NowUS reads the wall clock in microseconds since the Unix epoch.
func NowUS() int64 {
	return time.Now().UnixMicro()
}
