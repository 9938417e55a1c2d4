package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = New("content not found")

func TestNewAndNewf(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())

	err = Newf("fetch returned %d for %s", 404, "bafkhash")
	assert.Equal(t, "fetch returned 404 for bafkhash", err.Error())
}

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(errNotFound, "failed to load scene bundle")

	assert.Contains(t, wrapped.Error(), "failed to load scene bundle")
	assert.Contains(t, wrapped.Error(), "content not found")
	assert.True(t, Is(wrapped, errNotFound))
	assert.False(t, Is(wrapped, New("other")))
}

type decodeError struct {
	offset int
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decode failed at offset %d", e.offset)
}

func TestAs(t *testing.T) {
	original := &decodeError{offset: 12}
	wrapped := Wrap(original, "frame batch aborted")

	var target *decodeError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, 12, target.offset)
}

func TestHintsSurviveWrapping(t *testing.T) {
	err := New("realm about request failed")
	err = WithHint(err, "check the realm URL in orbis.toml")
	err = Wrap(err, "startup aborted")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "check the realm URL in orbis.toml", hints[0])
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}
