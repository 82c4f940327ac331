//go:build !(linux && (amd64 || arm64))

package v4l2

import (
	"fmt"

	"go2tv.app/framegrab/acquire"
)

func (b *Backend) Open(card, device int) (acquire.Device, error) {
	return nil, fmt.Errorf("v4l2 %s: %w", b.path(card), acquire.ErrUnsupported)
}
