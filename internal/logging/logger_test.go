package logging_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logging.LevelDebug, logging.ParseLevel("DEBUG"))
	assert.Equal(t, logging.LevelWarn, logging.ParseLevel("warning"))
	assert.Equal(t, logging.LevelError, logging.ParseLevel(" error "))
	assert.Equal(t, logging.LevelInfo, logging.ParseLevel("nonsense"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, logging.Config{Level: "warn"})

	l.Log(logging.LevelInfo, "hidden message")
	l.Log(logging.LevelWarn, "visible message", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden message")
	assert.Contains(t, out, "visible message")
	assert.Contains(t, out, "key")
	assert.Contains(t, out, "value")
}

func TestTestLoggerCapturesFields(t *testing.T) {
	tl := logging.NewTestLogger()
	assert.Equal(t, "", tl.GetOutput())

	tl.Log(logging.LevelDebug, "debug message", "file", "a.txt")
	out := tl.GetOutput()
	assert.Contains(t, out, "debug message")
	assert.Contains(t, out, "a.txt")
}

func TestOrNop(t *testing.T) {
	l := logging.OrNop(nil)
	assert.NotPanics(t, func() { l.Log(logging.LevelError, "dropped") })

	tl := logging.NewTestLogger()
	assert.Same(t, tl, logging.OrNop(tl))
}
