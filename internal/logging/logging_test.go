package logging

import (
	"bytes"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup("debug", "json", &buf))
	defer logrus.SetOutput(os.Stderr)

	For("camera").WithField("serial", "T1").Debug("hello")
	assert.Contains(t, buf.String(), `"component":"camera"`)
	assert.Contains(t, buf.String(), `"serial":"T1"`)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
}

func TestSetupRejectsBadInput(t *testing.T) {
	assert.Error(t, Setup("loud", "text", nil))
	assert.Error(t, Setup("info", "xml", nil))
}
