package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpoint(t *testing.T) {
	cases := []struct {
		raw      string
		host     string
		path     string
		insecure bool
	}{
		{"", "localhost:4318", "/v1/traces", true},
		{"http://collector:4318/v1/traces", "collector:4318", "/v1/traces", true},
		{"https://otel.example.com/custom", "otel.example.com", "/custom", false},
		{"https://otel.example.com", "otel.example.com", "/v1/traces", false},
		{"jaeger:4318", "jaeger:4318", "/v1/traces", true},
	}
	for _, tc := range cases {
		host, path, insecure := Endpoint(tc.raw)
		assert.Equal(t, tc.host, host, tc.raw)
		assert.Equal(t, tc.path, path, tc.raw)
		assert.Equal(t, tc.insecure, insecure, tc.raw)
	}
}
