package logger

import "go.uber.org/zap"

const (
	DeviceNameKey  = "device"
	DeviceIndexKey = "device.index"
	RequestModeKey = "request_mode"
)

func WithDevice(name string, index int) []zap.Field {
	return []zap.Field{
		zap.String(DeviceNameKey, name),
		zap.Int(DeviceIndexKey, index),
	}
}
