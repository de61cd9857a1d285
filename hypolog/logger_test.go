package hypolog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := NewOutput(LevelInfo, "(core) ", &buf)

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Errorf("also shown %d", 3)

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "INFO: shown 2")
	require.Contains(t, out, "ERROR: also shown 3")
	require.Contains(t, out, "(core)")
}

func TestSingleSinkPreservesEmissionOrder(t *testing.T) {
	var buf bytes.Buffer
	l := NewOutput(LevelDebug, "", &buf)

	l.Error("first")
	l.Debug("second")
	l.Info("third")

	out := buf.String()
	require.Less(t, bytes.Index(buf.Bytes(), []byte("first")), bytes.Index(buf.Bytes(), []byte("second")))
	require.Less(t, bytes.Index(buf.Bytes(), []byte("second")), bytes.Index(buf.Bytes(), []byte("third")))
	require.Contains(t, out, "ERROR: first")
}

func TestNopDiscards(t *testing.T) {
	Nop().Errorf("dropped %s", "entirely")
	Nop().Debug("dropped")
}
