package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eufybridge/config"
)

func TestOutputFor(t *testing.T) {
	cfg := &config.Config{HLSDir: "/tmp/hls", RTSPAddress: "10.0.0.5", RTSPPort: 8554}

	out := outputFor(cfg, "T1")
	assert.Equal(t, "/tmp/hls/eufy_security-T1.m3u8", out.URL)

	cfg.RTSPUseAddon = true
	out = outputFor(cfg, "T1")
	assert.Equal(t, "rtsp://10.0.0.5:8554/T1", out.URL)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "eufybridge dev\n", buf.String())
}
