package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) { //nolint:paralleltest // siblings set env, which may cause issues
		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, int64(512), config.LogicalBlockSize)
		assert.Equal(t, ByteSize(256<<20), config.DiskSize)
		assert.Equal(t, 1, config.Devices)
		assert.Equal(t, "ramdisk", config.DevicePrefix)
		assert.Equal(t, ramdisk.ModeSimple, config.RequestMode)
		assert.Equal(t, 1, config.HardwareQueues)
		assert.Equal(t, 2, config.QueueDepth)
		assert.False(t, config.Debug)
		assert.Equal(t, 30*time.Second, config.InvalidateDelay)
		assert.False(t, config.NBDAttach)
		assert.True(t, config.IsLocal())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("LOGICAL_BLOCK_SIZE", "4096")
		t.Setenv("DISK_SIZE", "1G")
		t.Setenv("NDEVICES", "4")
		t.Setenv("REQUEST_MODE", "mq")
		t.Setenv("HW_QUEUES", "8")
		t.Setenv("RAMDISK_DEBUG", "true")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, int64(4096), config.LogicalBlockSize)
		assert.Equal(t, ByteSize(1<<30), config.DiskSize)
		assert.Equal(t, 4, config.Devices)
		assert.Equal(t, ramdisk.ModeMultiQueue, config.RequestMode)
		assert.Equal(t, 8, config.HardwareQueues)
		assert.True(t, config.Debug)
	})

	t.Run("numeric request mode", func(t *testing.T) {
		t.Setenv("REQUEST_MODE", "2")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, ramdisk.ModeDirect, config.RequestMode)
	})

	t.Run("invalid request mode", func(t *testing.T) {
		t.Setenv("REQUEST_MODE", "turbo")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("invalid disk size", func(t *testing.T) {
		t.Setenv("DISK_SIZE", "lots")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("disk size past int64", func(t *testing.T) {
		t.Setenv("DISK_SIZE", "8E")

		_, err := Parse()
		require.Error(t, err)
	})
}

func TestParseByteSize(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]ByteSize{
		"4096":   4096,
		"64k":    64 << 10,
		"256M":   256 << 20,
		"2G":     2 << 30,
		"256MiB": 256 << 20,
		"256MB":  256_000_000,
		" 1T ":   1 << 40,
		"7E":     7 << 60,
	} {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseByteSize_OutOfRange(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"8E", "9223372036854775808", "16E"} {
		_, err := ParseByteSize(in)
		require.Error(t, err, in)
	}
}
