// Package portal wraps the org.freedesktop.portal.Desktop D-Bus calls used
// by framegrab.
package portal

import (
	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

// Conn is a private session bus connection.
type Conn struct {
	conn *dbus.Conn
}

func Connect() (*Conn, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn}, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Call invokes method on the portal object at path and waits for the reply.
func (c *Conn) Call(path dbus.ObjectPath, method string, args ...any) *dbus.Call {
	return c.conn.Object(ObjectName, path).Call(method, 0, args...)
}

// GetProperty stores a property of the main portal object into out.
func (c *Conn) GetProperty(interfaceName, property string, out any) error {
	return c.Call(ObjectPath, PropertiesGetName, interfaceName, property).Store(out)
}

// ListenOnSignal subscribes to one signal member on path. The returned func
// removes the subscription.
func (c *Conn) ListenOnSignal(path dbus.ObjectPath, iface, member string) (<-chan *dbus.Signal, func(), error) {
	if path == "" {
		path = ObjectPath
	}
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, nil, err
	}

	signals := make(chan *dbus.Signal, 1)
	c.conn.Signal(signals)

	remove := func() {
		c.conn.RemoveSignal(signals)
		_ = c.conn.RemoveMatchSignal(opts...)
	}
	return signals, remove, nil
}
