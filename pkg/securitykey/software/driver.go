// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pairedkey.
//
// go-pairedkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package software

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jeremyhahn/go-pairedkey/pkg/logging"
	"github.com/jeremyhahn/go-pairedkey/pkg/securitykey"
)

const eventBuffer = 32

// ErrDriverClosed is returned by Insert and Remove after Close.
var ErrDriverClosed = errors.New("software: driver closed")

// Driver reports Insert and Remove calls as discovery events.
type Driver struct {
	mu      sync.RWMutex
	devices map[string]*Device
	events  chan securitykey.Event
	done    chan struct{}
	started bool
	closed  bool
	logger  *logging.Logger

	closeOnce sync.Once
}

var _ securitykey.Driver = (*Driver)(nil)

// NewDriver creates a driver with no devices.
func NewDriver(logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Driver{
		devices: make(map[string]*Device),
		events:  make(chan securitykey.Event, eventBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

func (d *Driver) Name() string { return "software" }

// Start reports every inserted device as discovered.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDriverClosed
	}
	d.started = true
	present := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		if dev.IsPresent() {
			present = append(present, dev)
		}
	}
	d.mu.Unlock()

	for _, dev := range present {
		d.emit(ctx, securitykey.Event{Type: securitykey.EventDiscovered, Credential: dev, ID: dev.ID()})
	}
	return nil
}

func (d *Driver) Events() <-chan securitykey.Event {
	return d.events
}

// Insert connects dev. The Discovered event is sent once the driver has
// started.
func (d *Driver) Insert(dev *Device) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDriverClosed
	}
	d.devices[dev.ID().String()] = dev
	started := d.started
	d.mu.Unlock()

	dev.setPresent(true)
	d.logger.Debug("software key inserted", "credential", dev.ID().String())
	if started {
		d.emit(context.Background(), securitykey.Event{Type: securitykey.EventDiscovered, Credential: dev, ID: dev.ID()})
	}
	return nil
}

// Remove disconnects dev. Operations running on it fail with
// securitykey.ErrCredentialUnresponsive.
func (d *Driver) Remove(dev *Device) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDriverClosed
	}
	started := d.started
	d.mu.Unlock()

	dev.setPresent(false)
	d.logger.Debug("software key removed", "credential", dev.ID().String())
	if started {
		d.emit(context.Background(), securitykey.Event{Type: securitykey.EventDisconnected, ID: dev.ID()})
	}
	return nil
}

// Fail reports a discovery failure.
func (d *Driver) Fail(err error) {
	d.emit(context.Background(), securitykey.Event{Type: securitykey.EventDiscoveryFailed, Err: err})
}

// Close stops event delivery and closes the Events channel.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		// Unblock senders first; they hold the read lock while sending.
		close(d.done)
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
	})
	return nil
}

func (d *Driver) emit(ctx context.Context, ev securitykey.Event) {
	ev.Time = time.Now()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	case <-d.done:
	case <-ctx.Done():
	}
}
