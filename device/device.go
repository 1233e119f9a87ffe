package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
)

// ErrDeviceOffline is returned by operations attempted on a device that is not
// connected. Connecting the device recovers from it.
var ErrDeviceOffline = errors.New("device offline")

// Status is the connectivity state of a Device. The zero value is Offline.
type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Online:
		return "Online"
	default:
		return "Status(?)"
	}
}

// Kind distinguishes the concrete device cases.
type Kind int

const (
	KindSensor Kind = iota + 1
	KindActuator
)

func (k Kind) String() string {
	switch k {
	case KindSensor:
		return "Sensor"
	case KindActuator:
		return "Actuator"
	default:
		return "Kind(?)"
	}
}

// Device is the contract shared by every instrument.
type Device interface {
	// ID identifies the device; it must be unique within a zone.
	ID() string
	Kind() Kind
	Status() Status
	// Connect transitions the device Online. Connecting an Online device is a
	// no-op that still reports true.
	Connect(ctx context.Context) bool
	// Disconnect transitions the device Offline and reports whether it was
	// Online beforehand.
	Disconnect(ctx context.Context) bool
	// SendHeartbeat emits a liveness signal, failing with ErrDeviceOffline if the
	// device is not connected.
	SendHeartbeat(ctx context.Context) error
	// LastHeartbeat returns the time of the last successful heartbeat, or the
	// zero time if none was sent.
	LastHeartbeat() time.Time
}

// An Option configures the common part of a Device.
type Option func(*base)

// WithClock replaces the wall clock used to stamp heartbeats and readings.
// Tests use it to make timestamps deterministic.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// base implements the parts of Device shared by Sensor and Actuator.
type base struct {
	id   string
	kind Kind
	now  func() time.Time

	mu        sync.Mutex
	status    Status
	heartbeat time.Time
}

func newBase(id string, kind Kind, opts []Option) base {
	b := base{id: id, kind: kind, now: time.Now}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) ID() string { return b.id }
func (b *base) Kind() Kind { return b.kind }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) Connect(ctx context.Context) bool {
	b.mu.Lock()
	already := b.status == Online
	b.status = Online
	b.mu.Unlock()

	if already {
		return true
	}
	component.Logger(ctx).Info("Device connected", "device.id", b.id, "device.kind", b.kind.String())
	countEvent(ctx, b.kind, eventConnected)
	return true
}

func (b *base) Disconnect(ctx context.Context) bool {
	b.mu.Lock()
	wasOnline := b.status == Online
	b.status = Offline
	b.mu.Unlock()

	if !wasOnline {
		return false
	}
	component.Logger(ctx).Info("Device disconnected", "device.id", b.id, "device.kind", b.kind.String())
	countEvent(ctx, b.kind, eventDisconnected)
	return true
}

func (b *base) SendHeartbeat(ctx context.Context) error {
	b.mu.Lock()
	if b.status != Online {
		b.mu.Unlock()
		return &Error{DeviceID: b.id, Err: ErrDeviceOffline}
	}
	b.heartbeat = b.now()
	b.mu.Unlock()

	component.Logger(ctx).Debug("Device is beating...", "device.id", b.id)
	countEvent(ctx, b.kind, eventHeartbeat)
	return nil
}

func (b *base) LastHeartbeat() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeat
}

// online reports an Error wrapping ErrDeviceOffline unless the device is
// connected.
func (b *base) online() error {
	if b.Status() != Online {
		return &Error{DeviceID: b.id, Err: ErrDeviceOffline}
	}
	return nil
}

// Error associates a failure with the device it happened on.
type Error struct {
	DeviceID string
	Err      error
}

func (e *Error) Error() string { return "device " + e.DeviceID + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
