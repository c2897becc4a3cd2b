package ramdisk

import (
	"time"

	"go.uber.org/zap"
)

// Geometry is a plausible CHS layout for a device that has none.
type Geometry struct {
	Cylinders uint64
	Heads     uint8
	Sectors   uint8
	Start     uint64
}

// Geometry claims 16 sectors per track and four heads, with data starting at sector four.
func (d *Device) Geometry() Geometry {
	sectors := uint64(d.capacity / KernelSectorSize)

	return Geometry{
		Cylinders: (sectors &^ 0x3f) >> 6,
		Heads:     4,
		Sectors:   16,
		Start:     4,
	}
}

// Open registers a user. The first user after a simulated media change
// revalidates the medium, which clears the flag.
func (d *Device) Open() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.invalidateTimer != nil {
		d.invalidateTimer.Stop()
		d.invalidateTimer = nil
	}

	if d.users == 0 && d.mediaChange {
		d.logger.Info("media changed, revalidating", zap.String("device", d.name))
		d.mediaChange = false
	}

	d.users++
}

// Release drops a user. After the last one leaves, a media change is
// simulated once the invalidate delay passes without a new Open.
func (d *Device) Release() {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.users == 0 {
		return
	}

	d.users--

	if d.users == 0 && d.invalidateDelay > 0 {
		d.invalidateGen++
		gen := d.invalidateGen
		d.invalidateTimer = time.AfterFunc(d.invalidateDelay, func() {
			d.invalidate(gen)
		})
	}
}

func (d *Device) invalidate(gen uint64) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.users > 0 || gen != d.invalidateGen {
		return
	}

	d.mediaChange = true
	d.invalidateTimer = nil
}

func (d *Device) Users() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	return d.users
}

func (d *Device) MediaChanged() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	return d.mediaChange
}
