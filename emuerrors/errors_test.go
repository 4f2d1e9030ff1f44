package emuerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorNames(t *testing.T) {
	assert.Equal(t, "MemoryAccessFault", GetErrorName(ErrMemoryAccess))
	assert.Equal(t, "I1", GetErrorCode(ErrUnsupportedInstruction))
	assert.Equal(t, "E1_GeneralEmulation", GetErrorCodeWithName(ErrGeneralEmulation))
	assert.Equal(t, "No Error", GetErrorName(nil))
	assert.Equal(t, "plain", GetErrorName(errors.New("plain")))
}

func TestMemoryErrorWrapping(t *testing.T) {
	merr := NewMemoryError("read", 0xdead0000, 4)
	merr.Backtrace = []string{"main+0x10", "_start+0x4"}
	wrapped := fmt.Errorf("step: %w", merr)

	assert.True(t, IsMemoryFault(wrapped))
	var got *MemoryError
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, uint32(0xdead0000), got.Addr)
	assert.Contains(t, wrapped.Error(), "main+0x10")
	assert.Contains(t, wrapped.Error(), "addr=0xdead0000")
}

func TestInvariantPanics(t *testing.T) {
	assert.NotPanics(t, func() { Invariant(true, "fine") })
	defer func() {
		r := recover()
		require.NotNil(t, r)
		ierr, ok := r.(*InvariantError)
		require.True(t, ok)
		assert.True(t, errors.Is(ierr, ErrInvariantViolation))
		assert.Contains(t, ierr.Error(), "ctx 7")
	}()
	Invariant(false, "ctx %d", 7)
}
