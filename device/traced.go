package device

import (
	"context"

	"github.com/jnwhiteh/blockcache/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jnwhiteh/blockcache/device"

// A TracedDevice records an OpenTelemetry span for every transfer made to
// the device it wraps.
type TracedDevice struct {
	dev    common.BlockDevice
	name   string
	tracer trace.Tracer
}

var _ common.BlockDevice = (*TracedDevice)(nil)

// Traced wraps dev. A nil provider means the global tracer provider.
func Traced(dev common.BlockDevice, name string, tp trace.TracerProvider) *TracedDevice {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracedDevice{dev: dev, name: name, tracer: tp.Tracer(tracerName)}
}

func (t *TracedDevice) do(op string, buf []byte, pos int64, f func([]byte, int64) error) error {
	_, span := t.tracer.Start(context.Background(), "device."+op,
		trace.WithAttributes(
			attribute.String("device.name", t.name),
			attribute.Int64("device.pos", pos),
			attribute.Int("device.bytes", len(buf)),
		))
	defer span.End()

	err := f(buf, pos)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (t *TracedDevice) Read(buf []byte, pos int64) error {
	return t.do("read", buf, pos, t.dev.Read)
}

func (t *TracedDevice) Write(buf []byte, pos int64) error {
	return t.do("write", buf, pos, t.dev.Write)
}

func (t *TracedDevice) Close() error {
	return t.dev.Close()
}

// Unwrap returns the traced device.
func (t *TracedDevice) Unwrap() common.BlockDevice {
	return t.dev
}
