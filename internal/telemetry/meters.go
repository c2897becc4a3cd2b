package telemetry

import "go.opentelemetry.io/otel/metric"

type UpDownCounterType string

const (
	DevicesActiveMeterName UpDownCounterType = "ramdisk.devices.active"
	NBDSlotsInUseMeterName UpDownCounterType = "ramdisk.nbd.slots_pool.in_use"
)

var upDownCounterDesc = map[UpDownCounterType]string{
	DevicesActiveMeterName: "Number of ramdisk devices currently registered.",
	NBDSlotsInUseMeterName: "Number of nbd slots taken by attached devices.",
}

var upDownCounterUnits = map[UpDownCounterType]string{
	DevicesActiveMeterName: "{device}",
	NBDSlotsInUseMeterName: "{slot}",
}

func GetUpDownCounter(meter metric.Meter, name UpDownCounterType) (metric.Int64UpDownCounter, error) {
	desc := upDownCounterDesc[name]
	unit := upDownCounterUnits[name]

	return meter.Int64UpDownCounter(string(name),
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
}
