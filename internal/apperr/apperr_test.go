package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Conflict("already_decided", "already decided")
	wrapped := fmt.Errorf("approve: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, "already_decided", CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("connection refused")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal", CodeOf(err))
	assert.Equal(t, "internal", KindInternal.String())
}
