package httpServer

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"eufybridge/internal/camera"
	"eufybridge/internal/devicemanager"
	"eufybridge/internal/metrics"
	"eufybridge/internal/snapshot"
	"eufybridge/internal/upstream"
	"eufybridge/pkg/models"
)

const shutdownTimeout = 5 * time.Second

// Server wraps the HTTP server with dependencies
type Server struct {
	router   *gin.Engine
	cameras  *camera.Pool
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	hlsDir   string // Directory the transcoder writes playlists to
	log      *logrus.Entry
}

// New creates a new HTTP server
func New(cameras *camera.Pool, m *metrics.Metrics, gatherer prometheus.Gatherer, hlsDir string, log *logrus.Entry) *Server {
	s := &Server{
		cameras:  cameras,
		metrics:  m,
		gatherer: gatherer,
		hlsDir:   hlsDir,
		log:      log,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.recordMetrics())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/cameras", s.handleListCameras)
		api.GET("/v1/cameras/:serial", s.handleGetCamera)
		api.GET("/v1/cameras/:serial/stream", s.handleStreamSource)
		api.GET("/v1/cameras/:serial/image", s.handleImage)

		api.POST("/v1/cameras/:serial/livestream/start", s.action((*camera.Camera).StartLivestream))
		api.POST("/v1/cameras/:serial/livestream/stop", s.action((*camera.Camera).StopLivestream))
		api.POST("/v1/cameras/:serial/rtsp/start", s.action((*camera.Camera).StartRTSP))
		api.POST("/v1/cameras/:serial/rtsp/stop", s.action((*camera.Camera).StopRTSP))
		api.POST("/v1/cameras/:serial/enable", s.action((*camera.Camera).Enable))
		api.POST("/v1/cameras/:serial/disable", s.action((*camera.Camera).Disable))
		api.POST("/v1/cameras/:serial/on", s.action((*camera.Camera).TurnOn))
		api.POST("/v1/cameras/:serial/off", s.action((*camera.Camera).TurnOff))
	}

	router.GET("/live/:file", s.handleLive)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.router = router
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP on addr until ctx is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "http shutdown")
		}
		return nil
	}
}

// Middleware

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("request")
	}
}

func (s *Server) recordMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleListCameras(c *gin.Context) {
	cameras := s.cameras.List()

	infos := make([]models.CameraInfo, len(cameras))
	for i, cam := range cameras {
		infos[i] = cam.Info(c.Request.Context(), false)
	}

	c.JSON(http.StatusOK, models.CameraListResponse{
		Cameras: infos,
		Total:   len(infos),
	})
}

func (s *Server) handleGetCamera(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, cam.Info(c.Request.Context(), true))
}

func (s *Server) handleStreamSource(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}

	address, ok := cam.StreamSource(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stream source available"})
		return
	}

	source, _ := cam.Device().StreamSource()
	c.JSON(http.StatusOK, models.StreamSourceResponse{
		Serial:  cam.Serial(),
		Address: address,
		Type:    string(source),
	})
}

func (s *Server) handleImage(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}

	width, err := queryInt(c, "width")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid width"})
		return
	}
	height, err := queryInt(c, "height")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid height"})
		return
	}

	image, ok := cam.Image(c.Request.Context(), width, height)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not available"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, snapshot.ContentType(image), image)
}

// action wraps a camera command as a handler
func (s *Server) action(fn func(*camera.Camera, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		cam, ok := s.camera(c)
		if !ok {
			return
		}

		if err := fn(cam, c.Request.Context()); err != nil {
			s.log.WithError(err).Warnf("%s %s failed", c.Request.Method, c.Request.URL.Path)
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "ok",
			"serial":  cam.Serial(),
		})
	}
}

func (s *Server) handleLive(c *gin.Context) {
	name := c.Param("file")
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}

	path := filepath.Join(s.hlsDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	// Playlists change constantly, segments never do
	switch filepath.Ext(name) {
	case ".m3u8":
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		c.Header("Cache-Control", "public, max-age=60")
		c.Header("Content-Type", "video/mp2t")
	}
	c.Header("Access-Control-Allow-Origin", "*")
	c.File(path)
}

// Helper functions

func (s *Server) camera(c *gin.Context) (*camera.Camera, bool) {
	cam, err := s.cameras.Get(c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not found"})
		return nil, false
	}
	return cam, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func errorStatus(err error) int {
	switch errors.Cause(err) {
	case devicemanager.ErrUnknownDevice:
		return http.StatusNotFound
	case upstream.ErrNotConnected, camera.ErrStopped:
		return http.StatusServiceUnavailable
	case context.Canceled, context.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
