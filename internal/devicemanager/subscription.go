package devicemanager

import (
	"sync"

	"eufybridge/pkg/models"
)

// subscription is one subscriber's mailbox. Publish appends to an unbounded
// backlog and never blocks; a pump goroutine moves frames to the channel in
// order as fast as the subscriber reads them.
type subscription struct {
	out  chan *models.Frame
	wake chan struct{}
	done chan struct{}
	stop sync.Once

	mu      sync.Mutex
	backlog []*models.Frame
}

func newSubscription(bufferSize int) *subscription {
	s := &subscription{
		out:  make(chan *models.Frame, bufferSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) push(frame *models.Frame) {
	s.mu.Lock()
	s.backlog = append(s.backlog, frame)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pending returns how many frames wait for the pump
func (s *subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *subscription) close() {
	s.stop.Do(func() { close(s.done) })
}

func (s *subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		frame := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.out <- frame:
		case <-s.done:
			return
		}
	}
}
