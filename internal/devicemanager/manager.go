// Package devicemanager keeps the registry of configured cameras and fans
// upstream events out to the camera control loops.
package devicemanager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"eufybridge/internal/metrics"
	"eufybridge/pkg/models"
)

// ErrUnknownDevice is returned for serials that were never registered
var ErrUnknownDevice = errors.New("unknown device")

// EventKey names the bus topic carrying a camera's video fragments
func EventKey(serial string) string {
	return fmt.Sprintf("eufy_security_%s_event_received", serial)
}

// Manager handles the device registry and the per-device event bus
type Manager struct {
	devices map[string]*models.Device // serial -> Device
	mu      sync.RWMutex

	// Channels for pub/sub
	subscribers map[string][]*subscription // event key -> subscriber mailboxes
	watchers    map[string][]chan struct{}      // serial -> state change notifications
	subMu       sync.RWMutex

	metrics *metrics.Metrics
}

// New creates a new device manager
func New(m *metrics.Metrics) *Manager {
	return &Manager{
		devices:     make(map[string]*models.Device),
		subscribers: make(map[string][]*subscription),
		watchers:    make(map[string][]chan struct{}),
		metrics:     m,
	}
}

// Register adds a device. Registering the same serial twice is an error.
func (m *Manager) Register(device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[device.SerialNumber]; exists {
		return errors.Errorf("device %s already registered", device.SerialNumber)
	}
	m.devices[device.SerialNumber] = device
	return nil
}

// Get retrieves a device by serial
func (m *Manager) Get(serial string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[serial]
	if !exists {
		return nil, errors.Wrap(ErrUnknownDevice, serial)
	}
	return device, nil
}

// Has reports whether serial is registered
func (m *Manager) Has(serial string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.devices[serial]
	return exists
}

// List returns all devices ordered by serial
func (m *Manager) List() []*models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*models.Device, 0, len(m.devices))
	for _, device := range m.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].SerialNumber < devices[j].SerialNumber
	})
	return devices
}

// Serials returns the registered serial numbers in order
func (m *Manager) Serials() []string {
	devices := m.List()
	serials := make([]string, len(devices))
	for i, device := range devices {
		serials[i] = device.SerialNumber
	}
	return serials
}

// Count returns the number of registered devices
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// StreamingCount returns the number of devices currently streaming
func (m *Manager) StreamingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, device := range m.devices {
		if device.IsStreaming() {
			count++
		}
	}
	return count
}

// UpdateState merges values into the device state and wakes its watchers
func (m *Manager) UpdateState(serial string, values map[string]interface{}) error {
	device, err := m.Get(serial)
	if err != nil {
		return err
	}
	device.Merge(values)
	m.notify(serial)
	return nil
}

// SetCodec records the codec a device reported with its video data
func (m *Manager) SetCodec(serial, codec string) error {
	device, err := m.Get(serial)
	if err != nil {
		return err
	}
	device.SetCodec(codec)
	return nil
}

// Publish hands a video fragment to every subscriber of the device's topic.
// It never blocks and never drops: a subscriber that is not keeping up
// accumulates a backlog that it drains in order.
func (m *Manager) Publish(frame *models.Frame) error {
	if !m.Has(frame.Serial) {
		return errors.Wrap(ErrUnknownDevice, frame.Serial)
	}
	m.metrics.RecordFragment(frame.Serial, frame.Size())

	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, sub := range m.subscribers[EventKey(frame.Serial)] {
		sub.push(frame)
	}
	return nil
}

// Subscribe creates a subscription to a device's video fragments.
// Returns a channel that will receive frames and a cleanup function.
// The channel is closed once cleanup ran; undelivered frames are discarded.
func (m *Manager) Subscribe(serial string, bufferSize int) (<-chan *models.Frame, func()) {
	key := EventKey(serial)
	sub := newSubscription(bufferSize)

	m.subMu.Lock()
	m.subscribers[key] = append(m.subscribers[key], sub)
	m.subMu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { m.unsubscribe(key, sub) })
	}
	return sub.out, cleanup
}

// Watch returns a channel that receives a signal whenever the device state
// changes. Signals coalesce; a slow watcher sees at least one pending signal.
func (m *Manager) Watch(serial string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	m.subMu.Lock()
	m.watchers[serial] = append(m.watchers[serial], ch)
	m.subMu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { m.unwatch(serial, ch) })
	}
	return ch, cleanup
}

func (m *Manager) notify(serial string) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, ch := range m.watchers[serial] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// unsubscribe removes a subscriber and stops its pump
func (m *Manager) unsubscribe(key string, sub *subscription) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	subscribers := m.subscribers[key]
	for i, s := range subscribers {
		if s == sub {
			m.subscribers[key] = append(subscribers[:i], subscribers[i+1:]...)
			sub.close()
			break
		}
	}
	if len(m.subscribers[key]) == 0 {
		delete(m.subscribers, key)
	}
}

func (m *Manager) unwatch(serial string, ch chan struct{}) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	watchers := m.watchers[serial]
	for i, w := range watchers {
		if w == ch {
			m.watchers[serial] = append(watchers[:i], watchers[i+1:]...)
			close(ch)
			break
		}
	}
	if len(m.watchers[serial]) == 0 {
		delete(m.watchers, serial)
	}
}
