package phone

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhoneErrorIsByCode(t *testing.T) {
	err := errCallNotInProgress("1001", "hang_up")

	assert.True(t, errors.Is(err, ErrCallNotInProgress))
	assert.False(t, errors.Is(err, ErrAudioFileNotFound))
	assert.False(t, errors.Is(err, ErrNotRegistered))

	wrapped := fmt.Errorf("шаг сценария: %w", err)
	assert.True(t, errors.Is(wrapped, ErrCallNotInProgress))

	var pe *PhoneError
	require.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, CodeCallNotInProgress, pe.Code)
	assert.Equal(t, "hang_up", pe.Fields["operation"])
}

func TestPhoneErrorUnwrapsCause(t *testing.T) {
	err := errAudioFileNotFound("1001", "/nope.wav", os.ErrNotExist)

	assert.True(t, errors.Is(err, ErrAudioFileNotFound))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "/nope.wav")
	assert.Contains(t, err.Error(), "[AudioFileNotFound]")
	assert.Contains(t, err.Error(), "линия 1001")
}

func TestPhoneErrorMessageWithoutLine(t *testing.T) {
	err := NewPhoneError(CodeInvalidConfig, "", "не указан номер линии")
	assert.Equal(t, "[InvalidConfig] не указан номер линии", err.Error())
	assert.False(t, err.Timestamp.IsZero())
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "CallNotInProgress", CodeCallNotInProgress.String())
	assert.Equal(t, "PlaybackFailed", CodePlaybackFailed.String())
	assert.Equal(t, "ErrorCode(42)", ErrorCode(42).String())
}
