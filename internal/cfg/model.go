package cfg

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
)

// ByteSize is a size in bytes parsed from strings such as "256M" or "1GiB".
type ByteSize int64

type Config struct {
	LogicalBlockSize int64         `env:"LOGICAL_BLOCK_SIZE" envDefault:"512"`
	DiskSize         ByteSize      `env:"DISK_SIZE"          envDefault:"256M"`
	Devices          int           `env:"NDEVICES"           envDefault:"1"`
	DevicePrefix     string        `env:"DEVICE_PREFIX"      envDefault:"ramdisk"`
	RequestMode      ramdisk.Mode  `env:"REQUEST_MODE"       envDefault:"simple"`
	HardwareQueues   int           `env:"HW_QUEUES"          envDefault:"1"`
	QueueDepth       int           `env:"QUEUE_DEPTH"        envDefault:"2"`
	Debug            bool          `env:"RAMDISK_DEBUG"`
	InvalidateDelay  time.Duration `env:"INVALIDATE_DELAY"   envDefault:"30s"`

	NBDSocketPath string `env:"NBD_SOCKET_PATH" envDefault:"/tmp/ramdisk-nbd.sock"`
	NBDAttach     bool   `env:"NBD_ATTACH"`

	OTELCollectorGRPCEndpoint string `env:"OTEL_COLLECTOR_GRPC_ENDPOINT"`
	Environment               string `env:"ENVIRONMENT"                  envDefault:"local"`
}

func (c Config) IsLocal() bool {
	return c.Environment == "local"
}

func Parse() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(ByteSize(0)): ParseByteSize,
		},
	})
}

// ParseByteSize follows the kernel's memparse convention: a bare K, M, G, T, P
// or E suffix is binary, so "256M" is 256 MiB. Explicit units ("256MB", "256MiB")
// keep their humanize meaning.
func ParseByteSize(s string) (any, error) {
	value := strings.TrimSpace(s)

	if n := len(value); n > 0 && strings.ContainsRune("kKmMgGtTpPeE", rune(value[n-1])) {
		value += "iB"
	}

	size, err := humanize.ParseBytes(value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse size %q: %w", s, err)
	}

	if size > math.MaxInt64 {
		return nil, fmt.Errorf("size %q exceeds %d bytes", s, int64(math.MaxInt64))
	}

	return ByteSize(size), nil
}
