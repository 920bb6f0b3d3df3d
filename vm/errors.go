package vm

import "fmt"

// ErrorKind classifies runtime failures. Every kind is fatal to the run.
// ErrorKind implements error so callers can test with errors.Is.
type ErrorKind int

const (
	ErrStackOverflow ErrorKind = iota + 1
	ErrStackUnderflow
	ErrHeapExhausted
	ErrInvalidFree
	ErrUnknownFunction
	ErrUnknownOpcode
	ErrDivideByZero
	ErrMemoryAccess
	ErrInstructionLimit
	ErrCallDepth
	ErrCancelled
	ErrNative
)

var errorKindNames = map[ErrorKind]string{
	ErrStackOverflow:    "stack overflow",
	ErrStackUnderflow:   "stack underflow",
	ErrHeapExhausted:    "heap exhausted",
	ErrInvalidFree:      "invalid free",
	ErrUnknownFunction:  "unknown function",
	ErrUnknownOpcode:    "unknown opcode",
	ErrDivideByZero:     "division by zero",
	ErrMemoryAccess:     "memory access out of bounds",
	ErrInstructionLimit: "instruction limit exceeded",
	ErrCallDepth:        "call depth exceeded",
	ErrCancelled:        "cancelled",
	ErrNative:           "native function failed",
}

func (k ErrorKind) Error() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("runtime error %d", int(k))
}

// RuntimeError is returned by the interpreter when execution aborts.
type RuntimeError struct {
	Kind     ErrorKind
	Function string
	IP       int
	Msg      string
}

func (e *RuntimeError) Error() string {
	where := e.Function
	if where == "" {
		where = "<vm>"
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s at %04X: %s", where, e.IP, e.Kind)
	}
	return fmt.Sprintf("%s at %04X: %s: %s", where, e.IP, e.Kind, e.Msg)
}

func (e *RuntimeError) Unwrap() error {
	return e.Kind
}
