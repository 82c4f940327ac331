// Package v4l2 is an acquire.Backend over Video4Linux2 capture devices. It
// maps the driver's MMAP buffer queue directly onto the acquisition ring:
// a dequeued buffer is handed to the dispatcher and re-queued on return.
//
// Card N opens /dev/videoN and device M selects input M with VIDIOC_S_INPUT.
// The format is forced to 8-bit greyscale at the driver's current size.
package v4l2

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const defaultPathPattern = "/dev/video%d"

// Options configures the backend.
type Options struct {
	// PathPattern maps a card index to a device node. Defaults to /dev/video%d.
	PathPattern string
	Logger      *zerolog.Logger
}

// Backend opens V4L2 devices. Open returns acquire.ErrUnsupported on
// platforms without V4L2.
type Backend struct {
	pattern string
	log     zerolog.Logger
}

func New(options *Options) *Backend {
	b := &Backend{pattern: defaultPathPattern, log: zerolog.Nop()}
	if options == nil {
		return b
	}
	if options.PathPattern != "" {
		b.pattern = options.PathPattern
	}
	if options.Logger != nil {
		b.log = options.Logger.With().Str("component", "v4l2").Logger()
	}
	return b
}

func (b *Backend) path(card int) string {
	return fmt.Sprintf(b.pattern, card)
}

// Control is one VIDIOC_S_CTRL assignment from a settings file.
type Control struct {
	Name  string
	ID    uint32
	Value int32
}

// Well-known user and camera class control IDs.
var controlIDs = map[string]uint32{
	"brightness":        0x00980900,
	"contrast":          0x00980901,
	"saturation":        0x00980902,
	"hue":               0x00980903,
	"gamma":             0x00980910,
	"exposure":          0x00980911,
	"autogain":          0x00980912,
	"gain":              0x00980913,
	"sharpness":         0x0098091b,
	"exposure_auto":     0x009a0901,
	"exposure_absolute": 0x009a0902,
}

// ReadControls parses a settings file of control=value lines. A control is
// either a known name such as "gain" or a numeric ID such as 0x00980913.
// Blank lines and '#' comments are skipped.
func ReadControls(path string) ([]Control, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Control
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		c, err := parseControl(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseControl(text string) (Control, error) {
	name, value, ok := strings.Cut(text, "=")
	name = strings.ToLower(strings.TrimSpace(name))
	if !ok || name == "" {
		return Control{}, fmt.Errorf("expected control=value, got %q", text)
	}

	id, known := controlIDs[name]
	if !known {
		n, err := strconv.ParseUint(name, 0, 32)
		if err != nil {
			return Control{}, fmt.Errorf("unknown control %q", name)
		}
		id = uint32(n)
	}

	v, err := strconv.ParseInt(strings.TrimSpace(value), 0, 32)
	if err != nil {
		return Control{}, fmt.Errorf("control %s: %w", name, err)
	}
	return Control{Name: name, ID: id, Value: int32(v)}, nil
}
