// Package otel provides OpenTelemetry tracing integration for patchplan.
// Disabled by default; enabled via --otel flag.
package otel

import (
	"errors"
	"fmt"
)

// Protocol names accepted by --otel-protocol.
const (
	ProtocolHTTP = "otlphttp"
	ProtocolGRPC = "otlpgrpc"
)

// Config holds tracing initialization options.
type Config struct {
	Enabled     bool
	Endpoint    string  // collector endpoint, empty means env var or default
	Protocol    string  // otlphttp or otlpgrpc
	Insecure    bool    // skip TLS for the exporter connection
	ServiceName string
	SampleRatio float64 // 0..1
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Protocol:    ProtocolHTTP,
		ServiceName: "patchplan",
		SampleRatio: 1.0,
	}
}

// Validate checks the configuration. A disabled config is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Protocol != ProtocolHTTP && c.Protocol != ProtocolGRPC {
		return fmt.Errorf("otel: protocol must be %q or %q", ProtocolHTTP, ProtocolGRPC)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.New("otel: sample-ratio must be between 0 and 1")
	}
	return nil
}
