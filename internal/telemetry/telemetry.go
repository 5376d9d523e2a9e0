// Package telemetry builds the OpenTelemetry tracer provider that session
// spans are recorded with.
package telemetry

import (
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects a span exporter. The zero value disables tracing.
type Config struct {
	Exporter    string  `yaml:"exporter"`     // none or stdout
	SampleRatio float64 `yaml:"sample_ratio"` // 0 means 1
	Pretty      bool    `yaml:"pretty"`
}

// Validate rejects unknown exporters and ratios outside [0, 1].
func (c Config) Validate() error {
	switch strings.ToLower(c.Exporter) {
	case "", ExporterNone, ExporterStdout:
	default:
		return fmt.Errorf("unknown tracing exporter %q (want none or stdout)", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio %v out of range [0, 1]", c.SampleRatio)
	}
	return nil
}

// NewTracerProvider returns a provider for c. The stdout exporter writes
// JSON spans to w. Callers own the provider and must Shutdown it to flush.
func NewTracerProvider(c Config, w io.Writer) (*sdktrace.TracerProvider, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch strings.ToLower(c.Exporter) {
	case "", ExporterNone:
		return sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())), nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if c.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}

	ratio := c.SampleRatio
	if ratio == 0 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	), nil
}
