package httpServer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"eufybridge/internal/camera"
	"eufybridge/internal/devicemanager"
	"eufybridge/internal/metrics"
	"eufybridge/internal/snapshot"
	"eufybridge/internal/transcoder"
	"eufybridge/internal/upstream"
	"eufybridge/pkg/models"
)

var jpeg = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type fakeUpstream struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (u *fakeUpstream) record(call string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, call)
	return u.err
}

func (u *fakeUpstream) SetLivestream(ctx context.Context, serial string, start bool) error {
	if start {
		return u.record(serial + ":livestream:start")
	}
	return u.record(serial + ":livestream:stop")
}

func (u *fakeUpstream) SetRTSPStream(ctx context.Context, serial string, enabled bool) error {
	if enabled {
		return u.record(serial + ":rtsp:start")
	}
	return u.record(serial + ":rtsp:stop")
}

func (u *fakeUpstream) SetDeviceEnabled(ctx context.Context, serial string, enabled bool) error {
	if enabled {
		return u.record(serial + ":enable")
	}
	return u.record(serial + ":disable")
}

func (u *fakeUpstream) last() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.calls) == 0 {
		return ""
	}
	return u.calls[len(u.calls)-1]
}

type idleTranscoder struct{}

func (idleTranscoder) Start(ctx context.Context, p transcoder.Params) error { return nil }
func (idleTranscoder) Stop()                                                {}
func (idleTranscoder) IsRunning() bool                                      { return false }
func (idleTranscoder) Write(p []byte) error                                 { return nil }

type fakeImager struct {
	image []byte
}

func (f *fakeImager) Image(ctx context.Context, req snapshot.Request) ([]byte, bool) {
	return f.image, f.image != nil
}

type testEnv struct {
	server   *Server
	manager  *devicemanager.Manager
	upstream *fakeUpstream
	imager   *fakeImager
	hlsDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mgr := devicemanager.New(m)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	entry := logrus.NewEntry(log)

	env := &testEnv{
		manager:  mgr,
		upstream: &fakeUpstream{},
		imager:   &fakeImager{},
		hlsDir:   t.TempDir(),
	}

	rtspCam := models.NewDevice("RTSP1", "Garden", "T8400", map[string]interface{}{
		models.StateRTSPStream: true,
		models.StateBattery:    80,
	})
	p2pCam := models.NewDevice("P2P1", "Doorbell", "T8200", nil)

	var cams []*camera.Camera
	for _, d := range []*models.Device{rtspCam, p2pCam} {
		require.NoError(t, mgr.Register(d))
		cams = append(cams, camera.New(d, camera.Deps{
			Manager:    mgr,
			Upstream:   env.upstream,
			Transcoder: idleTranscoder{},
			Imager:     env.imager,
			Metrics:    m,
			Log:        entry,
		}, camera.Options{
			Output:       transcoder.PlaylistOutput(env.hlsDir, d.SerialNumber),
			AutoStart:    false,
			PollAttempts: 1,
			PollInterval: time.Millisecond,
		}))
	}

	require.NoError(t, mgr.UpdateState("RTSP1", map[string]interface{}{models.StateRTSPURL: "rtsp://cam/garden"}))

	pool := camera.NewPool(cams...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	env.server = New(pool, m, reg, env.hlsDir, entry)
	return env
}

func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", gjson.Get(rec.Body.String(), "message").String())
}

func TestListCameras(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/cameras")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, int64(2), gjson.Get(body, "total").Int())
	assert.Equal(t, "P2P1", gjson.Get(body, "cameras.0.serial").String())
	assert.Equal(t, "Idle", gjson.Get(body, "cameras.0.state").String())
	assert.Equal(t, "RTSP1", gjson.Get(body, "cameras.1.serial").String())
	assert.Equal(t, "Streaming - rtsp", gjson.Get(body, "cameras.1.state").String())
	assert.Equal(t, "rtsp://cam/garden", gjson.Get(body, "cameras.1.sourceAddress").String())
	assert.False(t, gjson.Get(body, "cameras.1.attributes").Exists())
}

func TestGetCamera(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/cameras/RTSP1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "Garden", gjson.Get(body, "name").String())
	assert.True(t, gjson.Get(body, "streaming").Bool())
	assert.Equal(t, int64(80), gjson.Get(body, "attributes.battery").Int())

	rec = env.do(http.MethodGet, "/api/v1/cameras/NOPE")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamSource(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/cameras/RTSP1/stream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rtsp://cam/garden", gjson.Get(rec.Body.String(), "address").String())
	assert.Equal(t, "rtsp", gjson.Get(rec.Body.String(), "type").String())

	// Idle camera with auto start disabled has no source
	rec = env.do(http.MethodGet, "/api/v1/cameras/P2P1/stream")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.upstream.last())
}

func TestImage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/cameras/P2P1/image")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.imager.image = jpeg
	rec = env.do(http.MethodGet, "/api/v1/cameras/P2P1/image?width=640&height=360")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, jpeg, rec.Body.Bytes())

	rec = env.do(http.MethodGet, "/api/v1/cameras/P2P1/image?width=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActions(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		path string
		call string
	}{
		{"/api/v1/cameras/P2P1/livestream/start", "P2P1:livestream:start"},
		{"/api/v1/cameras/P2P1/livestream/stop", "P2P1:livestream:stop"},
		{"/api/v1/cameras/P2P1/rtsp/start", "P2P1:rtsp:start"},
		{"/api/v1/cameras/P2P1/rtsp/stop", "P2P1:rtsp:stop"},
		{"/api/v1/cameras/P2P1/enable", "P2P1:enable"},
		{"/api/v1/cameras/P2P1/disable", "P2P1:disable"},
		{"/api/v1/cameras/P2P1/on", "P2P1:livestream:start"},
		{"/api/v1/cameras/P2P1/off", "P2P1:livestream:stop"},
		{"/api/v1/cameras/RTSP1/on", "RTSP1:rtsp:start"},
		{"/api/v1/cameras/RTSP1/off", "RTSP1:rtsp:stop"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.path)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.call, env.upstream.last())
		})
	}

	rec := env.do(http.MethodPost, "/api/v1/cameras/NOPE/on")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionUpstreamDown(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.err = upstream.ErrNotConnected

	rec := env.do(http.MethodPost, "/api/v1/cameras/P2P1/livestream/start")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveFiles(t *testing.T) {
	env := newTestEnv(t)
	playlist := transcoder.PlaylistName("P2P1")
	require.NoError(t, os.WriteFile(filepath.Join(env.hlsDir, playlist), []byte("#EXTM3U\n"), 0644))

	rec := env.do(http.MethodGet, "/live/"+playlist)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())

	rec = env.do(http.MethodGet, "/live/missing.m3u8")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/live/.hidden")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/ping")

	rec := env.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eufybridge_http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/api/ping"`)
}

func TestRunShutsDown(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- env.server.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
