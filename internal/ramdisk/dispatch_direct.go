package ramdisk

import (
	"context"

	"go.uber.org/zap"
)

// directStrategy handles each request on the submitting goroutine, without a
// queue and without the device lock; callers serialise overlapping I/O themselves.
// Segment failures are logged but the request always completes with StatusOK.
type directStrategy struct {
	d *Device
}

func newDirectStrategy(d *Device) *directStrategy {
	return &directStrategy{d: d}
}

func (s *directStrategy) Mode() Mode {
	return ModeDirect
}

func (s *directStrategy) submit(_ context.Context, req *Request) error {
	d := s.d
	sw := d.metrics.Begin(d.metrics.RequestDuration)

	if !req.Op.transferable() {
		d.reject(req, sw)

		return nil
	}

	c := Completion{Status: StatusOK}

	for span := range Spans(req.Sector, req.Segments, d.sectorSize, WalkRequest) {
		err := d.transferAt(req.Op, span.Offset, span.Buf)
		if err != nil {
			d.logger.Warn("direct transfer segment skipped",
				zap.String("device", d.name),
				zap.Uint64("sector", span.Sector),
				zap.Error(err),
			)

			continue
		}

		c.Transferred += span.Len()
	}

	d.finish(req, c, sw)

	return nil
}

func (s *directStrategy) close() {}
