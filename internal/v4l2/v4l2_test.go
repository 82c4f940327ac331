package v4l2

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "controls.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadControls(t *testing.T) {
	path := writeFile(t, "# exposure setup\nGain = 12\n\nexposure_auto=1\n0x009a0902=-0x10\n")

	got, err := ReadControls(path)
	require.NoError(t, err)
	assert.Equal(t, []Control{
		{Name: "gain", ID: 0x00980913, Value: 12},
		{Name: "exposure_auto", ID: 0x009a0901, Value: 1},
		{Name: "0x009a0902", ID: 0x009a0902, Value: -16},
	}, got)
}

func TestReadControlsErrors(t *testing.T) {
	cases := map[string]string{
		"no equals":     "gain\n",
		"unknown name":  "shimmer=3\n",
		"bad value":     "gain=lots\n",
		"value too big": "gain=4294967296\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadControls(writeFile(t, body))
			assert.ErrorContains(t, err, "controls.ini:1")
		})
	}

	_, err := ReadControls(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestBackendPath(t *testing.T) {
	assert.Equal(t, "/dev/video2", New(nil).path(2))
	assert.Equal(t, "/tmp/cam-1", New(&Options{PathPattern: "/tmp/cam-%d"}).path(1))
}
