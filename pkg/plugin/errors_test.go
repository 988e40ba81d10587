package plugin

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("disk on fire")
	err := fmt.Errorf("wrapped: %w", NewError(KindStart, "core.text", "start", cause))

	assert.True(t, errors.Is(err, ErrStart))
	assert.False(t, errors.Is(err, ErrLoad))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindStart, KindOf(err))
	assert.Contains(t, err.Error(), "start: StartError (plugin core.text): disk on fire")
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("x")))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("op: %w", context.DeadlineExceeded)))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{NewError(KindSecurityViolation, "p", "check", nil), false},
		{NewError(KindConfiguration, "p", "parse", nil), false},
		{context.Canceled, false},
		{NewError(KindTimeout, "p", "load", nil), true},
		{NewError(KindLoad, "p", "load", nil), true},
		{errors.New("transient"), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

func TestIsCritical(t *testing.T) {
	assert.True(t, IsCritical(NewError(KindFatal, "p", "run", nil)))
	assert.True(t, IsCritical(NewError(KindSecurityViolation, "p", "run", nil)))
	assert.False(t, IsCritical(NewError(KindStart, "p", "run", nil)))
	assert.False(t, IsCritical(errors.New("plain")))
}
