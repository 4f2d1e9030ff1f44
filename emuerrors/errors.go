package emuerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Memory (M) Errors
var (
	ErrMemoryAccess      = errors.New("M1|MemoryAccessFault: Guest access to an unmapped or protected address.")
	ErrMemoryInvalidSize = errors.New("M2|InvalidAccessSize: Access size is zero or larger than the scratch buffer.")
	ErrMemoryOutOfRange  = errors.New("M3|OutOfRange: Access wraps past the end of the 32-bit address space.")
)

// Instruction (I) Errors
var (
	ErrUnsupportedInstruction = errors.New("I1|UnsupportedInstruction: The decoder does not recognize the bytes at the instruction pointer.")
	ErrUnimplementedOpcode    = errors.New("I2|UnimplementedOpcode: No handler is registered for the decoded opcode.")
	ErrUnsupportedOperand     = errors.New("I3|UnsupportedOperand: The handler cannot evaluate this operand form.")
)

// Emulation (E) Errors
var (
	ErrGeneralEmulation = errors.New("E1|GeneralEmulation: Emulation cannot continue for this instruction.")
	ErrDivideByZero     = errors.New("E2|DivideByZero: Integer division by zero.")
	ErrHalt             = errors.New("E3|Halt: Privileged halt executed in user mode.")
)

// Syscall (S) Errors
var (
	ErrSyscallUnimplemented = errors.New("S1|SyscallUnimplemented: System call number has no handler.")
	ErrSyscallBadArgument   = errors.New("S2|SyscallBadArgument: System call argument cannot be decoded.")
)

// Loader (L) Errors
var (
	ErrLoaderBadFormat = errors.New("L1|BadFormat: Binary is not a 32-bit little-endian x86 executable.")
	ErrLoaderNoProgram = errors.New("L2|NoProgram: Context has no loaded program.")
)

// Checkpoint (C) Errors
var (
	ErrCheckpointNotFound = errors.New("C1|CheckpointNotFound: No snapshot is stored under this name.")
	ErrCheckpointCorrupt  = errors.New("C2|CheckpointCorrupt: Stored page contents do not match their checksum.")
)

// Invariant (P) Errors
var (
	ErrInvariantViolation = errors.New("P1|InvariantViolation: Emulator core invariant does not hold.")
)

// MemoryError is a guest memory fault. It is always propagated out of a step,
// even while speculative, and carries the guest back-trace at the fault.
type MemoryError struct {
	Addr      uint32
	Size      int
	Access    string
	Eip       uint32
	Backtrace []string
	// Cause narrows the fault, e.g. ErrMemoryOutOfRange. Nil for a plain
	// access fault.
	Cause error
}

func (e *MemoryError) Error() string {
	var sb strings.Builder
	base := ErrMemoryAccess
	if e.Cause != nil {
		base = e.Cause
	}
	fmt.Fprintf(&sb, "%s (%s addr=0x%x size=%d eip=0x%x)", base.Error(), e.Access, e.Addr, e.Size, e.Eip)
	for _, frame := range e.Backtrace {
		sb.WriteString("\n\t")
		sb.WriteString(frame)
	}
	return sb.String()
}

func (e *MemoryError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrMemoryAccess, e.Cause}
	}
	return []error{ErrMemoryAccess}
}

// WithCause sets Cause and returns e.
func (e *MemoryError) WithCause(cause error) *MemoryError {
	e.Cause = cause
	return e
}

// NewMemoryError returns a fault for a guest access of size bytes at addr.
func NewMemoryError(access string, addr uint32, size int) *MemoryError {
	return &MemoryError{Addr: addr, Size: size, Access: access}
}

// InvariantError is panicked when core bookkeeping is inconsistent. Step
// never swallows it.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return ErrInvariantViolation.Error() + " " + e.Msg
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// Invariant panics with an InvariantError unless cond holds.
func Invariant(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}

// IsMemoryFault reports whether err is or wraps a memory fault.
func IsMemoryFault(err error) bool {
	return errors.Is(err, ErrMemoryAccess)
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(err.Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
