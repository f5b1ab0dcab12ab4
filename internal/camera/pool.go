package camera

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"eufybridge/internal/devicemanager"
)

// Pool is the set of bridged cameras
type Pool struct {
	cameras map[string]*Camera
}

// NewPool creates a pool from cameras keyed by serial
func NewPool(cameras ...*Camera) *Pool {
	p := &Pool{cameras: make(map[string]*Camera, len(cameras))}
	for _, c := range cameras {
		p.cameras[c.Serial()] = c
	}
	return p
}

// Get returns the camera with the given serial
func (p *Pool) Get(serial string) (*Camera, error) {
	c, ok := p.cameras[serial]
	if !ok {
		return nil, errors.Wrap(devicemanager.ErrUnknownDevice, serial)
	}
	return c, nil
}

// List returns all cameras ordered by serial
func (p *Pool) List() []*Camera {
	cameras := make([]*Camera, 0, len(p.cameras))
	for _, c := range p.cameras {
		cameras = append(cameras, c)
	}
	sort.Slice(cameras, func(i, j int) bool {
		return cameras[i].Serial() < cameras[j].Serial()
	})
	return cameras
}

// Run runs every camera's control loop until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.cameras {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	return g.Wait()
}

// CatchUp resumes streams that were active before startup, one camera at a time
func (p *Pool) CatchUp(ctx context.Context) {
	for _, c := range p.List() {
		if ctx.Err() != nil {
			return
		}
		c.CatchUp(ctx)
	}
}
