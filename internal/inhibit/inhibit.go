// Package inhibit keeps the desktop session from idling or suspending while
// frames are being acquired, through the XDG desktop portal.
package inhibit

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"go2tv.app/framegrab/internal/logging"
	"go2tv.app/framegrab/internal/portal"
)

const (
	inhibitInterface = portal.CallBaseName + ".Inhibit"

	flagSuspend = 4
	flagIdle    = 8
)

// bus is the portal surface the Inhibitor needs.
type bus interface {
	Version() (uint32, error)
	Inhibit(reason string, flags uint32) (dbus.ObjectPath, error)
	WaitResponse(ctx context.Context, handle dbus.ObjectPath) (portal.ResponseStatus, error)
	CloseRequest(handle dbus.ObjectPath) error
	Close() error
}

// Inhibitor is a refcounted idle and suspend inhibitor. Without a session
// bus or portal every method is a successful no-op.
type Inhibitor struct {
	bus bus
	log zerolog.Logger

	mu       sync.Mutex
	refcount int
	handle   dbus.ObjectPath
	complete bool
	refused  bool
	stop     context.CancelFunc
}

// New connects to the session bus and probes the Inhibit portal.
func New(ctx context.Context) *Inhibitor {
	log := logging.FromContext(ctx).With().Str("component", "inhibit").Logger()

	conn, err := portal.Connect()
	if err != nil {
		log.Debug().Err(err).Msg("cannot connect to D-Bus session bus")
		return &Inhibitor{log: log}
	}
	return newInhibitor(portalBus{conn: conn}, log)
}

func newInhibitor(b bus, log zerolog.Logger) *Inhibitor {
	version, err := b.Version()
	if err != nil {
		log.Debug().Err(err).Msg("inhibit portal not available")
		_ = b.Close()
		return &Inhibitor{log: log}
	}
	log.Debug().Uint32("version", version).Msg("inhibit portal available")
	return &Inhibitor{bus: b, log: log}
}

// Supported reports whether a portal is reachable.
func (i *Inhibitor) Supported() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bus != nil
}

// Inhibit increments the refcount. The first call activates inhibition.
func (i *Inhibitor) Inhibit(reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.refcount++
	if i.refcount > 1 || i.bus == nil {
		return nil
	}

	handle, err := i.bus.Inhibit(reason, flagIdle|flagSuspend)
	if err != nil {
		i.refcount--
		i.log.Warn().Err(err).Msg("failed to inhibit idle")
		return fmt.Errorf("portal inhibit: %w", err)
	}
	i.handle = handle
	i.complete, i.refused = false, false

	ctx, cancel := context.WithCancel(context.Background())
	i.stop = cancel
	go i.watch(ctx, i.bus, handle)

	i.log.Info().Str("handle", string(handle)).Str("reason", reason).Msg("idle inhibited")
	return nil
}

// watch notes a portal that completes the request on its own, after which
// the handle no longer exists and must not be closed. A non-success status
// means the portal refused inhibition.
func (i *Inhibitor) watch(ctx context.Context, b bus, handle dbus.ObjectPath) {
	status, err := b.WaitResponse(ctx, handle)
	if err != nil {
		return
	}
	i.mu.Lock()
	if i.handle == handle {
		i.complete = true
		i.refused = status != portal.Success
	}
	i.mu.Unlock()

	if status != portal.Success {
		i.log.Warn().Uint32("status", status).Msg("idle inhibition refused by portal")
		return
	}
	i.log.Debug().Str("handle", string(handle)).Msg("inhibit request completed by portal")
}

// Uninhibit decrements the refcount. The last call releases inhibition.
func (i *Inhibitor) Uninhibit() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.refcount <= 0 {
		return nil
	}
	i.refcount--
	if i.refcount > 0 {
		return nil
	}
	return i.releaseLocked()
}

func (i *Inhibitor) releaseLocked() error {
	if i.stop != nil {
		i.stop()
		i.stop = nil
	}
	if i.bus == nil || i.handle == "" {
		return nil
	}
	handle, complete := i.handle, i.complete
	i.handle, i.complete, i.refused = "", false, false
	if complete {
		i.log.Info().Msg("idle inhibition released by portal")
		return nil
	}
	if err := i.bus.CloseRequest(handle); err != nil {
		return fmt.Errorf("portal close request: %w", err)
	}
	i.log.Info().Msg("idle inhibition released")
	return nil
}

// Active reports whether inhibition is held.
func (i *Inhibitor) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refcount > 0
}

// Close releases any active inhibition and the bus connection.
func (i *Inhibitor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.refcount = 0
	err := i.releaseLocked()
	if i.bus != nil {
		if cerr := i.bus.Close(); err == nil {
			err = cerr
		}
		i.bus = nil
	}
	return err
}

type portalBus struct {
	conn *portal.Conn
}

func (b portalBus) Version() (uint32, error) {
	var version uint32
	err := b.conn.GetProperty(inhibitInterface, "version", &version)
	return version, err
}

func (b portalBus) Inhibit(reason string, flags uint32) (dbus.ObjectPath, error) {
	options := map[string]dbus.Variant{
		"handle_token": portal.HandleToken(),
		"reason":       portal.FromString(reason),
	}
	var handle dbus.ObjectPath
	err := b.conn.Call(portal.ObjectPath, inhibitInterface+".Inhibit", "", flags, options).Store(&handle)
	return handle, err
}

func (b portalBus) WaitResponse(ctx context.Context, handle dbus.ObjectPath) (portal.ResponseStatus, error) {
	status, _, err := b.conn.WaitResponse(ctx, handle)
	return status, err
}

func (b portalBus) CloseRequest(handle dbus.ObjectPath) error {
	return b.conn.CloseRequest(handle)
}

func (b portalBus) Close() error {
	return b.conn.Close()
}
