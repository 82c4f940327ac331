package portal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/godbus/dbus/v5"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	requestInterface = "org.freedesktop.portal.Request"
	responseMember   = "Response"
	closeCallName    = requestInterface + ".Close"
)

type ResponseStatus = uint32

const (
	Success ResponseStatus = 0
	Ended   ResponseStatus = 2
)

// CloseRequest ends the request at path.
func (c *Conn) CloseRequest(path dbus.ObjectPath) error {
	return c.Call(path, closeCallName).Err
}

// WaitResponse blocks until the request at path emits Response or ctx ends.
func (c *Conn) WaitResponse(ctx context.Context, path dbus.ObjectPath) (ResponseStatus, map[string]dbus.Variant, error) {
	signals, remove, err := c.ListenOnSignal(path, requestInterface, responseMember)
	if err != nil {
		return Ended, nil, err
	}
	defer remove()

	for {
		select {
		case sig, ok := <-signals:
			if !ok || sig == nil {
				return Ended, nil, ErrUnexpectedResponse
			}
			if sig.Path != path || sig.Name != requestInterface+"."+responseMember {
				continue
			}
			return parseResponse(sig)
		case <-ctx.Done():
			return Ended, nil, ctx.Err()
		}
	}
}

func parseResponse(sig *dbus.Signal) (ResponseStatus, map[string]dbus.Variant, error) {
	if len(sig.Body) != 2 {
		return Ended, nil, ErrUnexpectedResponse
	}
	status, ok := sig.Body[0].(ResponseStatus)
	if !ok {
		return Ended, nil, fmt.Errorf("%w: status is %T", ErrUnexpectedResponse, sig.Body[0])
	}
	results, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Ended, nil, fmt.Errorf("%w: results are %T", ErrUnexpectedResponse, sig.Body[1])
	}
	return status, results, nil
}

// FromString wraps input as a string variant.
func FromString(input string) dbus.Variant {
	return dbus.MakeVariant(input)
}

// HandleToken returns a fresh handle_token option value.
func HandleToken() dbus.Variant {
	a, _ := rand.Int(rand.Reader, big.NewInt(1<<16))
	return FromString("framegrab" + strconv.FormatUint(a.Uint64(), 16))
}
