package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotFoundIsDetected(t *testing.T) {
	err := NotFound("agent", "a1")
	require.True(t, IsNotFound(err))
	require.False(t, IsStateConflict(err))
	require.Contains(t, err.Error(), "a1")
}

func TestWrapPreservesCode(t *testing.T) {
	inner := OptimisticLock(5, 6)
	wrapped := Wrap(inner, "failed to persist")
	require.True(t, IsOptimisticLock(wrapped))
	require.Equal(t, CodeOptimisticLock, Code(wrapped))
}

func TestWrapPlainErrorBecomesInternal(t *testing.T) {
	wrapped := Wrap(errors.New("disk full"), "write failed")
	require.Equal(t, CodeInternal, Code(wrapped))
}

func TestWrapNilIsNil(t *testing.T) {
	require.Nil(t, Wrap(nil, "anything"))
}

func TestPartialScaleCarriesDetail(t *testing.T) {
	err := PartialScale(2, []error{errors.New("boom")})
	require.Equal(t, CodePartialScale, Code(err))
	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, 2, appErr.Detail["created"])
}
