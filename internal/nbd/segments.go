package nbd

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
)

// pageSize is the largest segment a request payload is split into.
const pageSize = 4096

var ErrUnaligned = errors.New("access is not aligned to the sector size")

// toSector converts a byte range into the first sector of a request.
func toSector(device *ramdisk.Device, offset int64, length int) (uint64, error) {
	sectorSize := device.SectorSize()

	if offset < 0 || offset%sectorSize != 0 || int64(length)%sectorSize != 0 {
		return 0, fmt.Errorf("%w: offset %d, length %d, sector size %d", ErrUnaligned, offset, length, sectorSize)
	}

	return uint64(offset / sectorSize), nil
}

// payloadSegments builds the segment list for a wire payload. Simple dispatch
// completes a request after its first segment, so it gets the payload as one.
func payloadSegments(device *ramdisk.Device, buf []byte) []ramdisk.Segment {
	if device.Mode() == ramdisk.ModeSimple {
		return []ramdisk.Segment{{Buf: buf}}
	}

	return splitPages(buf)
}

// splitPages cuts buf into page-sized segments that share its memory.
func splitPages(buf []byte) []ramdisk.Segment {
	segments := make([]ramdisk.Segment, 0, (len(buf)+pageSize-1)/pageSize)
	for start := 0; start < len(buf); start += pageSize {
		end := min(start+pageSize, len(buf))
		segments = append(segments, ramdisk.Segment{Buf: buf[start:end]})
	}

	return segments
}
