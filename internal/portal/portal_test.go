package portal

import (
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	results := map[string]dbus.Variant{"token": FromString("x")}
	status, got, err := parseResponse(&dbus.Signal{Body: []any{uint32(1), results}})
	require.NoError(t, err)
	assert.Equal(t, ResponseStatus(1), status)
	assert.Equal(t, results, got)

	_, _, err = parseResponse(&dbus.Signal{Body: []any{Success}})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	_, _, err = parseResponse(&dbus.Signal{Body: []any{"0", results}})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	_, _, err = parseResponse(&dbus.Signal{Body: []any{Success, "results"}})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestHandleToken(t *testing.T) {
	token, ok := HandleToken().Value().(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(token, "framegrab"))
	assert.Equal(t, "s", HandleToken().Signature().String())
}

func TestFromString(t *testing.T) {
	v := FromString("idle")
	assert.Equal(t, "s", v.Signature().String())
	assert.Equal(t, "idle", v.Value())
}
