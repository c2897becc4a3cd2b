//go:build !linux

package nbd

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/ramdisk/internal/ramdisk"
)

var errNotSupported = errors.New("attaching to a kernel nbd device is only supported on linux")

type KernelMount struct{}

func NewKernelMount(*ramdisk.Device, *DevicePool, *zap.Logger) *KernelMount {
	return &KernelMount{}
}

func (m *KernelMount) Path() DevicePath {
	return ""
}

func (m *KernelMount) Open(context.Context) (uint32, error) {
	return 0, errNotSupported
}

func (m *KernelMount) Close(context.Context) error {
	return nil
}
