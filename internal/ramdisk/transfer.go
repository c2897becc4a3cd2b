package ramdisk

import (
	"math"

	"go.uber.org/zap"
)

// Transfer copies len(buf) bytes between buf and the store at the given sector.
// It takes no lock; dispatch strategies decide what to hold around it.
func (d *Device) Transfer(op Op, sector uint64, buf []byte) error {
	if sector > uint64(math.MaxInt64)/uint64(d.sectorSize) {
		return &OutOfBoundsError{Offset: math.MaxInt64, Length: int64(len(buf)), Capacity: d.capacity}
	}

	return d.transferAt(op, int64(sector)*d.sectorSize, buf)
}

func (d *Device) transferAt(op Op, offset int64, buf []byte) error {
	length := int64(len(buf))

	if offset < 0 || offset > d.capacity || length > d.capacity-offset {
		d.logger.Info("beyond-end access",
			zap.String("device", d.name),
			zap.Stringer("op", op),
			zap.Int64("offset", offset),
			zap.Int64("length", length),
		)

		return &OutOfBoundsError{Offset: offset, Length: length, Capacity: d.capacity}
	}

	if d.debug {
		d.logger.Debug("transfer",
			zap.String("device", d.name),
			zap.Stringer("op", op),
			zap.Int64("length", length),
			zap.Int64("offset", offset),
		)
	}

	if d.store.Released() {
		return ErrDeviceClosed
	}

	data := d.store.Bytes()

	switch op {
	case OpWrite:
		copy(data[offset:offset+length], buf)
	case OpRead:
		copy(buf, data[offset:offset+length])
	default:
		return ErrUnsupportedOperation
	}

	return nil
}
