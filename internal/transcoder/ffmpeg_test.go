package transcoder

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	return logrus.WithField("component", "transcoder-test")
}

// catCommand ignores the ffmpeg arguments and echoes stdin to stdout
func catCommand(name string, args ...string) *exec.Cmd {
	return exec.Command("cat")
}

func TestBuildArgsPlaylist(t *testing.T) {
	args := BuildArgs(Params{
		Codec:           "h264",
		AnalyzeDuration: 1.2,
		Output:          PlaylistOutput("/tmp/hls", "T8410"),
	})

	expected := []string{
		"-y", "-analyzeduration", "1000000",
		"-protocol_whitelist", "pipe,file,tcp",
		"-f", "h264", "-i", "-", "-vcodec", "copy",
		"-protocol_whitelist", "pipe,file,tcp,udp,rtsp,rtp",
		"-hls_init_time", "0", "-hls_time", "1", "-hls_segment_type", "mpegts",
		"-hls_playlist_type", "event", "-hls_list_size", "2",
		"-preset", "ultrafast", "-tune", "zerolatency", "-g", "15", "-sc_threshold", "0",
		"-fflags", "genpts+nobuffer+flush_packets", "-loglevel", "debug", "-report",
		"/tmp/hls/eufy_security-T8410.m3u8",
	}
	assert.Equal(t, expected, args)
}

func TestBuildArgsRTSP(t *testing.T) {
	out := RTSPOutput("10.0.0.2", 8554, "T8410")
	assert.Equal(t, "rtsp://10.0.0.2:8554/T8410", out.URL)

	args := BuildArgs(Params{Codec: "hevc", AnalyzeDuration: 3, Output: out})
	assert.Equal(t, "3000000", args[2])
	assert.Equal(t, "hevc", args[6])
	assert.Equal(t, []string{"-f", "rtsp", "-rtsp_transport", "tcp", "rtsp://10.0.0.2:8554/T8410"}, args[len(args)-5:])
}

func TestBuildArgsDoesNotMutateTemplate(t *testing.T) {
	BuildArgs(Params{Codec: "hevc", AnalyzeDuration: 5})
	assert.Equal(t, "{video_codec}", inputArgs[videoCodecIndex])
	assert.Equal(t, "{analyze_duration}", inputArgs[analyzeDurationIndex])
}

func TestStartWriteStop(t *testing.T) {
	f := New("ffmpeg", testLog(), WithCommandFunc(catCommand))
	require.False(t, f.IsRunning())

	require.NoError(t, f.Start(context.Background(), Params{Codec: "h264"}))
	assert.True(t, f.IsRunning())
	assert.Equal(t, "h264", f.Params().Codec)

	require.NoError(t, f.Write([]byte("frag-1|")))
	require.NoError(t, f.Write([]byte("frag-2")))

	assert.Eventually(t, func() bool {
		stdout, _ := f.Diagnostics()
		return stdout == "frag-1|frag-2"
	}, 2*time.Second, 10*time.Millisecond)

	f.Stop()
	assert.False(t, f.IsRunning())

	err := f.Write([]byte("late"))
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestStopIsIdempotent(t *testing.T) {
	f := New("ffmpeg", testLog(), WithCommandFunc(catCommand))
	f.Stop()

	require.NoError(t, f.Start(context.Background(), Params{Codec: "h264"}))
	f.Stop()
	f.Stop()
	assert.False(t, f.IsRunning())
}

func TestStopReleasesLockWhileReaping(t *testing.T) {
	// The background sleep inherits stdout, so the killed process is only
	// reaped once it exits
	f := New("ffmpeg", testLog(), WithCommandFunc(func(string, ...string) *exec.Cmd {
		return exec.Command("sh", "-c", "sleep 1 & exec cat")
	}))
	require.NoError(t, f.Start(context.Background(), Params{Codec: "h264"}))
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		f.Stop()
		close(stopped)
	}()
	time.Sleep(100 * time.Millisecond)

	started := time.Now()
	assert.False(t, f.IsRunning())
	assert.True(t, errors.Is(f.Write([]byte("x")), ErrNotRunning))
	assert.Less(t, time.Since(started), 100*time.Millisecond)

	select {
	case <-stopped:
	case <-time.After(killWait + time.Second):
		t.Fatal("stop did not return")
	}
}

func TestStartRejectsSecondSession(t *testing.T) {
	f := New("ffmpeg", testLog(), WithCommandFunc(catCommand))
	require.NoError(t, f.Start(context.Background(), Params{Codec: "h264"}))
	defer f.Stop()

	assert.Error(t, f.Start(context.Background(), Params{Codec: "hevc"}))
	assert.Equal(t, "h264", f.Params().Codec)
}

func TestRestartAfterStop(t *testing.T) {
	f := New("ffmpeg", testLog(), WithCommandFunc(catCommand))
	require.NoError(t, f.Start(context.Background(), Params{Codec: "h264"}))
	f.Stop()

	require.NoError(t, f.Start(context.Background(), Params{Codec: "hevc"}))
	defer f.Stop()
	assert.True(t, f.IsRunning())
	assert.Equal(t, "hevc", f.Params().Codec)
}

func TestLaunchFailure(t *testing.T) {
	f := New("/nonexistent/eufybridge-ffmpeg", testLog())

	err := f.Start(context.Background(), Params{Codec: "h264"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunch))
	assert.False(t, f.IsRunning())
}

func TestExitedProcessIsNotRunning(t *testing.T) {
	f := New("ffmpeg", testLog(), WithCommandFunc(func(string, ...string) *exec.Cmd {
		return exec.Command("true")
	}))
	require.NoError(t, f.Start(context.Background(), Params{Codec: "h264"}))

	assert.Eventually(t, func() bool {
		return !f.IsRunning()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(f.Write([]byte("x")), ErrNotRunning))
}

func TestStartHonorsCancelledContext(t *testing.T) {
	f := New("ffmpeg", testLog(), WithCommandFunc(catCommand))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.Start(ctx, Params{Codec: "h264"}), context.Canceled)
	assert.False(t, f.IsRunning())
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := newTailBuffer(4)
	b.Write([]byte("ab"))
	b.Write([]byte("cdef"))
	assert.Equal(t, "cdef", b.String())
	b.Write([]byte("g"))
	assert.Equal(t, "defg", b.String())
}
