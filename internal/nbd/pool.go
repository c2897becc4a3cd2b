package nbd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.opentelemetry.io/otel/metric"
)

// ErrNoFreeSlots is returned when every nbd device is taken.
type ErrNoFreeSlots struct{}

func (ErrNoFreeSlots) Error() string {
	return "no free slots"
}

// ErrDeviceInUse is returned when the device that you wanted to release is still in use.
type ErrDeviceInUse struct{}

func (ErrDeviceInUse) Error() string {
	return "device in use"
}

type (
	// DevicePath is the path to the nbd device.
	DevicePath = string
	// DeviceSlot is the slot number of the nbd device.
	DeviceSlot = uint32
)

const releaseRetryInterval = 10 * time.Millisecond

// DevicePool hands out free /dev/nbdX slots. It requires the nbd module to be loaded.
type DevicePool struct {
	sysfs string

	usedSlots *bitset.BitSet
	mu        sync.Mutex

	slotCounter metric.Int64UpDownCounter
}

// NewDevicePool reads the number of nbd devices from sysfs, usually "/sys".
func NewDevicePool(sysfs string, slotCounter metric.Int64UpDownCounter) (*DevicePool, error) {
	maxDevices, err := getMaxDevices(sysfs)
	if err != nil {
		return nil, fmt.Errorf("failed to get current max devices: %w", err)
	}

	if maxDevices == 0 {
		return nil, errors.New("nbd module is not loaded or max devices is set to 0")
	}

	return &DevicePool{
		sysfs:       sysfs,
		usedSlots:   bitset.New(maxDevices),
		slotCounter: slotCounter,
	}, nil
}

func getMaxDevices(sysfs string) (uint, error) {
	data, err := os.ReadFile(filepath.Join(sysfs, "module/nbd/parameters/nbds_max"))

	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read nbds_max: %w", err)
	}

	maxDevices, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to parse nbds_max: %w", err)
	}

	return uint(maxDevices), nil
}

// A device is free when it has no pid file and reports a zero size.
func (d *DevicePool) isDeviceFree(slot DeviceSlot) (bool, error) {
	pidFile := filepath.Join(d.sysfs, fmt.Sprintf("block/nbd%d/pid", slot))

	_, err := os.Stat(pidFile)
	if err == nil {
		return false, nil
	}

	if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat pid file: %w", err)
	}

	sizeFile := filepath.Join(d.sysfs, fmt.Sprintf("block/nbd%d/size", slot))

	data, err := os.ReadFile(sizeFile)
	if err != nil {
		return false, fmt.Errorf("failed to read size file: %w", err)
	}

	size, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("failed to parse size: %w", err)
	}

	return size == 0, nil
}

func (d *DevicePool) getMaybeEmptySlot(start DeviceSlot) (DeviceSlot, func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.usedSlots.NextClear(uint(start))
	if !ok || slot >= d.usedSlots.Len() {
		return 0, func() {}, false
	}

	d.usedSlots.Set(slot)

	return uint32(slot), func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.usedSlots.Clear(slot)
	}, true
}

// GetDevice takes the lowest free slot.
func (d *DevicePool) GetDevice(ctx context.Context) (DeviceSlot, error) {
	start := DeviceSlot(0)

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		slot, cleanup, ok := d.getMaybeEmptySlot(start)
		if !ok {
			return 0, ErrNoFreeSlots{}
		}

		free, err := d.isDeviceFree(slot)
		if err != nil {
			cleanup()

			return 0, fmt.Errorf("failed to check if device is free: %w", err)
		}

		if !free {
			// Taken by someone outside the pool.
			cleanup()
			start = slot + 1

			continue
		}

		d.slotCounter.Add(ctx, 1)

		return slot, nil
	}
}

// ReleaseDevice returns ErrDeviceInUse while the kernel still holds the device.
func (d *DevicePool) ReleaseDevice(ctx context.Context, slot DeviceSlot) error {
	free, err := d.isDeviceFree(slot)
	if err != nil {
		return fmt.Errorf("failed to check if device is free: %w", err)
	}

	if !free {
		return ErrDeviceInUse{}
	}

	d.mu.Lock()
	d.usedSlots.Clear(uint(slot))
	d.mu.Unlock()

	d.slotCounter.Add(ctx, -1)

	return nil
}

// ReleaseDeviceWithRetry retries while the device is in use until ctx is done.
func (d *DevicePool) ReleaseDeviceWithRetry(ctx context.Context, slot DeviceSlot) error {
	for {
		err := d.ReleaseDevice(ctx, slot)
		if !errors.As(err, &ErrDeviceInUse{}) {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(releaseRetryInterval):
		}
	}
}

func GetDevicePath(slot DeviceSlot) DevicePath {
	return fmt.Sprintf("/dev/nbd%d", slot)
}
