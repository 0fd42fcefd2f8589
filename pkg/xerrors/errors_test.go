package xerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := New(CodeEmptyBundle, "bundle.request", "tenant %s has no records", "t1")
	wrapped := fmt.Errorf("api: %w", err)

	assert.True(t, errors.Is(wrapped, ErrEmptyBundle))
	assert.False(t, errors.Is(wrapped, ErrTampered))
	assert.Equal(t, CodeEmptyBundle, CodeOf(wrapped))
	assert.Contains(t, err.Error(), "EMPTY_BUNDLE")
	assert.Contains(t, err.Error(), "bundle.request")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(CodeUploadFailed, "op", nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeUploadFailed, "artifacts.put", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrUploadFailed))
	assert.Equal(t, Code(""), CodeOf(cause))
}

func TestSentinelString(t *testing.T) {
	assert.Equal(t, "QUEUE_CLOSED", ErrQueueClosed.Error())
}

func TestMessageCutsOnRuneBoundary(t *testing.T) {
	long := errors.New(strings.Repeat("a", MaxMessageLen-1) + "é" + "tail")
	msg := Message(long, MaxMessageLen)
	assert.True(t, utf8.ValidString(msg))
	assert.Len(t, msg, MaxMessageLen-1)

	assert.Equal(t, "short", Message(errors.New("short"), MaxMessageLen))
	assert.Equal(t, "", Message(nil, MaxMessageLen))
	assert.Equal(t, "日本", Truncate("日本語", 8))
}
