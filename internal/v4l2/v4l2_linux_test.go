//go:build linux && (amd64 || arm64)

package v4l2

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go2tv.app/framegrab/acquire"
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

func TestStructLayout(t *testing.T) {
	assert.Equal(t, uintptr(104), unsafe.Sizeof(v4l2Capability{}))
	assert.Equal(t, uintptr(48), unsafe.Sizeof(v4l2PixFormat{}))
	assert.Equal(t, uintptr(208), unsafe.Sizeof(v4l2Format{}))
	assert.Equal(t, uintptr(8), unsafe.Offsetof(v4l2Format{}.Fmt))
	assert.Equal(t, uintptr(20), unsafe.Sizeof(v4l2RequestBuffers{}))
	assert.Equal(t, uintptr(16), unsafe.Sizeof(v4l2Timecode{}))
	assert.Equal(t, uintptr(88), unsafe.Sizeof(v4l2Buffer{}))
	assert.Equal(t, uintptr(24), unsafe.Offsetof(v4l2Buffer{}.Timestamp))
	assert.Equal(t, uintptr(64), unsafe.Offsetof(v4l2Buffer{}.M))
	assert.Equal(t, uintptr(8), unsafe.Sizeof(v4l2Control{}))
}

func TestIoctlNumbers(t *testing.T) {
	const (
		write = 1
		read  = 2
	)
	assert.Equal(t, ioc(read, 0, unsafe.Sizeof(v4l2Capability{})), uintptr(vidiocQueryCap))
	assert.Equal(t, ioc(read|write, 4, unsafe.Sizeof(v4l2Format{})), uintptr(vidiocGFmt))
	assert.Equal(t, ioc(read|write, 5, unsafe.Sizeof(v4l2Format{})), uintptr(vidiocSFmt))
	assert.Equal(t, ioc(read|write, 8, unsafe.Sizeof(v4l2RequestBuffers{})), uintptr(vidiocReqBufs))
	assert.Equal(t, ioc(read|write, 9, unsafe.Sizeof(v4l2Buffer{})), uintptr(vidiocQueryBuf))
	assert.Equal(t, ioc(read|write, 15, unsafe.Sizeof(v4l2Buffer{})), uintptr(vidiocQBuf))
	assert.Equal(t, ioc(read|write, 17, unsafe.Sizeof(v4l2Buffer{})), uintptr(vidiocDQBuf))
	assert.Equal(t, ioc(write, 18, 4), uintptr(vidiocStreamOn))
	assert.Equal(t, ioc(write, 19, 4), uintptr(vidiocStreamOff))
	assert.Equal(t, ioc(read|write, 28, unsafe.Sizeof(v4l2Control{})), uintptr(vidiocSCtrl))
	assert.Equal(t, ioc(read|write, 39, 4), uintptr(vidiocSInput))
}

func TestPixelFormatFourCC(t *testing.T) {
	assert.Equal(t, uint32(0x59455247), pixFmtGrey)
}

func TestOpenErrorMapping(t *testing.T) {
	assert.ErrorIs(t, openError("/dev/video9", unix.ENOENT), acquire.ErrDeviceNotFound)
	assert.ErrorIs(t, openError("/dev/video9", unix.ENODEV), acquire.ErrDeviceNotFound)
	assert.ErrorIs(t, openError("/dev/video9", unix.EBUSY), acquire.ErrDeviceBusy)

	err := openError("/dev/video9", unix.EACCES)
	assert.ErrorIs(t, err, unix.EACCES)
	assert.NotErrorIs(t, err, acquire.ErrDeviceNotFound)
}

func TestOpenMissingNode(t *testing.T) {
	b := New(&Options{PathPattern: filepath.Join(t.TempDir(), "video%d")})

	_, err := b.Open(7, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, acquire.ErrDeviceNotFound)
	assert.Contains(t, err.Error(), "video7")
}

func TestCString(t *testing.T) {
	assert.Equal(t, "uvcvideo", cstring([]byte("uvcvideo\x00\x00junk")))
	assert.Equal(t, "full", cstring([]byte("full")))
}
