package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	require.NotNil(t, Logger)
	assert.False(t, JSONOutput)

	err = Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
}

func TestLoggerSafeBeforeInitialize(t *testing.T) {
	// The package-level wrappers must not panic before Initialize
	Info("info before init")
	Warnw("warn before init", FieldCount, 1)
	Errorf("error before init: %d", 42)
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestSetTheme(t *testing.T) {
	SetTheme("gruvbox")
	assert.Equal(t, "gruvbox", currentTheme)

	// Unknown themes are ignored
	SetTheme("solarized")
	assert.Equal(t, "gruvbox", currentTheme)

	SetTheme("everforest")
	assert.Equal(t, "everforest", currentTheme)
}

func TestAbbreviateName(t *testing.T) {
	assert.Equal(t, "comms", abbreviateName("comms"))
	assert.Equal(t, "c.wsroom", abbreviateName("comms.wsroom"))
	assert.Equal(t, "s.vm", abbreviateName("scene.vm"))
}

func TestMinimalEncoderEntry(t *testing.T) {
	enc := newMinimalEncoder()
	buf, err := enc.EncodeEntry(zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Date(2026, 1, 2, 13, 4, 35, 0, time.UTC),
		LoggerName: "comms.wsroom",
		Message:    "Peer connected",
	}, []zapcore.Field{
		{Key: FieldAlias, Type: zapcore.Int64Type, Integer: 12},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "13:04:35")
	assert.Contains(t, out, "c.wsroom")
	assert.Contains(t, out, "Peer connected")
	assert.Contains(t, out, "12")
}
