package nbd

import (
	"context"
	"fmt"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
)

// Backend exposes a device to the go-nbd export server. Reads and writes go
// through the device's dispatch strategy like any other request.
type Backend struct {
	ctx    context.Context //nolint:containedctx // go-nbd backends have no context parameter
	device *ramdisk.Device
}

func NewBackend(ctx context.Context, device *ramdisk.Device) *Backend {
	return &Backend{
		ctx:    ctx,
		device: device,
	}
}

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	return b.do(ramdisk.OpRead, p, off)
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	return b.do(ramdisk.OpWrite, p, off)
}

func (b *Backend) do(op ramdisk.Op, p []byte, off int64) (int, error) {
	sector, err := toSector(b.device, off, len(p))
	if err != nil {
		return 0, err
	}

	c := b.device.Do(b.ctx, ramdisk.NewRequest(op, sector, payloadSegments(b.device, p), nil))
	if !c.OK() {
		return int(c.Transferred), fmt.Errorf("%s at offset %d failed: %w", op, off, c.Err)
	}

	return len(p), nil
}

func (b *Backend) Size() (int64, error) {
	return b.device.Capacity(), nil
}

// Sync has nothing to flush; the store is the medium.
func (b *Backend) Sync() error {
	return nil
}
