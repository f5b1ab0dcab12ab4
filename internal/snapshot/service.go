package snapshot

import (
	"context"
	"io"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"eufybridge/internal/metrics"
	"eufybridge/internal/storage"
)

// Snapshot sources, used as metric labels
const (
	SourceLive       = "live"
	SourcePictureURL = "picture_url"
)

// Largest picture accepted from a picture URL
const maxPictureSize = 10 << 20

// Grabber extracts a still frame from a live stream
type Grabber interface {
	Grab(ctx context.Context, address string, width, height int) ([]byte, error)
}

// Request describes the camera at the time an image is requested
type Request struct {
	Serial     string
	Streaming  bool
	Address    string // Stream source address, used while streaming
	PictureURL string // Last picture published by the device
	Width      int
	Height     int
}

type entry struct {
	mu         sync.Mutex
	image      []byte
	pictureURL string
	restored   bool
}

// Service caches the last image per camera and refreshes it on request
type Service struct {
	grabber Grabber
	client  *http.Client
	store   storage.Store
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu      sync.Mutex
	entries map[string]*entry
}

// NewService creates a snapshot service. store may be nil to disable persistence.
func NewService(grabber Grabber, client *http.Client, store storage.Store, m *metrics.Metrics, log *logrus.Entry) *Service {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Service{
		grabber: grabber,
		client:  client,
		store:   store,
		metrics: m,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// ObjectPath is where a camera's snapshot is persisted
func ObjectPath(serial string) string {
	return path.Join(serial, "snapshot.jpg")
}

// Image returns the freshest image available for the camera. ok is false
// when nothing has ever been captured. Refresh failures keep the stale image.
func (s *Service) Image(ctx context.Context, req Request) ([]byte, bool) {
	e := s.entry(req.Serial)
	e.mu.Lock()
	defer e.mu.Unlock()

	s.restore(ctx, req.Serial, e)

	if req.Streaming {
		s.refreshLive(ctx, req, e)
	} else if e.pictureURL != req.PictureURL {
		s.refreshPicture(ctx, req, e)
	}

	if len(e.image) == 0 {
		return nil, false
	}
	return e.image, true
}

// ContentType sniffs the media type of an image
func ContentType(image []byte) string {
	return mimetype.Detect(image).String()
}

func (s *Service) refreshLive(ctx context.Context, req Request, e *entry) {
	image, err := s.grabber.Grab(ctx, req.Address, req.Width, req.Height)
	if err != nil || len(image) == 0 {
		if err != nil {
			s.log.WithError(err).Debug("camera_image - live grab failed")
		}
		s.metrics.RecordSnapshot(SourceLive, false)
		return
	}

	s.log.Debugf("camera_image len - %d", len(image))
	e.image = image
	e.pictureURL = ""
	s.metrics.RecordSnapshot(SourceLive, true)
	s.persist(ctx, req.Serial, image)
}

func (s *Service) refreshPicture(ctx context.Context, req Request, e *entry) {
	if req.PictureURL == "" {
		return
	}

	image, err := s.fetch(ctx, req.PictureURL)
	if err != nil {
		s.log.WithError(err).Debug("camera_image - picture fetch skipped")
		s.metrics.RecordSnapshot(SourcePictureURL, false)
		return
	}

	s.log.Debugf("camera_image - %s - %d", req.PictureURL, len(image))
	e.image = image
	e.pictureURL = req.PictureURL
	s.metrics.RecordSnapshot(SourcePictureURL, true)
	s.persist(ctx, req.Serial, image)
}

func (s *Service) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch picture")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, errors.Errorf("fetch picture: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPictureSize))
	if err != nil {
		return nil, errors.Wrap(err, "read picture")
	}
	return data, nil
}

// restore loads the persisted snapshot the first time a camera is asked for
func (s *Service) restore(ctx context.Context, serial string, e *entry) {
	if e.restored || s.store == nil {
		return
	}
	e.restored = true

	data, err := s.store.Get(ctx, ObjectPath(serial))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).Warn("restore snapshot failed")
		}
		return
	}
	e.image = data
}

func (s *Service) persist(ctx context.Context, serial string, image []byte) {
	if s.store == nil {
		return
	}
	if err := s.store.Put(ctx, ObjectPath(serial), image); err != nil {
		s.log.WithError(err).Warn("persist snapshot failed")
	}
}

func (s *Service) entry(serial string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[serial]
	if !ok {
		e = &entry{}
		s.entries[serial] = e
	}
	return e
}
