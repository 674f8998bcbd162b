package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLogLevel("debug"))
	assert.Equal(t, WARN, ParseLogLevel("Warning"))
	assert.Equal(t, ERROR, ParseLogLevel(" ERROR "))
	assert.Equal(t, INFO, ParseLogLevel("nonsense"))
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("WARN")
	l.SetOutput(&buf)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	l.Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
	assert.Contains(t, out, "[ERROR] also shown")

	l.SetLevel("debug")
	assert.Equal(t, "DEBUG", l.GetLevel())
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "[DEBUG] now visible")
}
