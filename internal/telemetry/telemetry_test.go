package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(Config{Exporter: "stdout"}, &buf)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "session")
	assert.True(t, span.IsRecording())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"session"`)
}

func TestNoneExporterDropsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(Config{}, &buf)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "session")
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"zero", Config{}, ""},
		{"stdout", Config{Exporter: "STDOUT", SampleRatio: 0.5}, ""},
		{"unknown exporter", Config{Exporter: "jaeger"}, "unknown tracing exporter"},
		{"ratio too high", Config{Exporter: "stdout", SampleRatio: 2}, "out of range"},
		{"negative ratio", Config{SampleRatio: -0.1}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewTracerProviderRejectsInvalid(t *testing.T) {
	_, err := NewTracerProvider(Config{Exporter: "zipkin"}, &bytes.Buffer{})
	assert.Error(t, err)
}
