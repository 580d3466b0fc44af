// Package simulator plays a virtual IOX against a loopback peripheral
// manager: it subscribes, performs the sync/handshake exchange and streams
// telemetry frames fragmented to the link MTU.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ioxble/internal/peripheral"
	"ioxble/internal/protocol"
)

// DefaultMTU is the ATT payload of an unnegotiated link.
const DefaultMTU = 20

var ErrNotConnected = errors.New("simulator: not connected")

// Options configures a Device.
type Options struct {
	Central peripheral.Central
	// MTU bounds every write. Zero means DefaultMTU.
	MTU int
	// Coalesce sends all fragments of a frame as one write batch instead of
	// one batch per fragment.
	Coalesce bool
	Logger   *zap.Logger
}

// Device is a virtual IOX central.
type Device struct {
	l         *peripheral.Loopback
	central   peripheral.Central
	mtu       int
	coalesce  bool
	log       *zap.Logger
	connected bool
}

// New creates a device bound to l.
func New(l *peripheral.Loopback, opts Options) *Device {
	if opts.Central.ID == "" {
		opts.Central = peripheral.DefaultCentral
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultMTU
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Device{
		l:        l,
		central:  opts.Central,
		mtu:      opts.MTU,
		coalesce: opts.Coalesce,
		log:      opts.Logger.With(zap.String("component", "simulator")),
	}
}

// Connect subscribes and runs the link setup: wait for a sync byte, send
// the handshake, wait for the confirmation frame, send the acknowledgement.
func (d *Device) Connect(ctx context.Context) error {
	d.l.Subscribe(d.central)

	if err := d.await(ctx, func(b []byte) bool { return len(b) == 1 && b[0] == protocol.SyncByte }); err != nil {
		return fmt.Errorf("simulator: waiting for sync: %w", err)
	}
	d.log.Debug("sync received, sending handshake")
	d.l.Write(protocol.HandshakeRequest())

	if err := d.await(ctx, isHandshakeConfirmation); err != nil {
		return fmt.Errorf("simulator: waiting for handshake confirmation: %w", err)
	}
	d.log.Debug("handshake confirmed, sending acknowledgement")
	d.l.Write(protocol.Acknowledgement())
	d.connected = true
	return nil
}

// Disconnect unsubscribes.
func (d *Device) Disconnect() {
	d.l.Unsubscribe()
	d.connected = false
}

// Send writes rec as one telemetry frame.
func (d *Device) Send(rec protocol.Record) error {
	return d.SendFrame(rec.Frame())
}

// SendFrame writes frame split into MTU-sized writes.
func (d *Device) SendFrame(frame []byte) error {
	if !d.connected {
		return ErrNotConnected
	}
	parts := Fragment(frame, d.mtu)
	if d.coalesce {
		d.l.Write(parts...)
		return nil
	}
	for _, p := range parts {
		d.l.Write(p)
	}
	return nil
}

// Stream sends the trip's records every interval until ctx is done or count
// records were sent (count <= 0 means no limit).
func (d *Device) Stream(ctx context.Context, trip *Trip, interval time.Duration, count int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sent := 0; count <= 0 || sent < count; sent++ {
		if err := d.Send(trip.Next()); err != nil {
			return err
		}
		if count > 0 && sent+1 == count {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (d *Device) await(ctx context.Context, match func([]byte) bool) error {
	for {
		select {
		case b := <-d.l.Notifications():
			if match(b) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isHandshakeConfirmation(b []byte) bool {
	payload, err := protocol.ValidateFrame(b, protocol.MessageTypeHandshakeConfirm)
	return err == nil && len(payload) == 4
}

// Fragment splits b into pieces of at most size bytes.
func Fragment(b []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultMTU
	}
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
