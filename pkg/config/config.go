// Package config loads kernel configuration from environment variables
// and optional YAML profiles.
package config

import "os"

// Config holds kernel configuration.
type Config struct {
	AdapterName  string
	AuditSink    string // "stdout" or a file path
	OTLPEndpoint string
	Telemetry    bool
	ProfilePath  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	adapterName := os.Getenv("SOVEREIGN_ADAPTER_NAME")
	if adapterName == "" {
		adapterName = "tau-gate"
	}

	auditSink := os.Getenv("SOVEREIGN_AUDIT_SINK")
	if auditSink == "" {
		auditSink = "stdout"
	}

	otlpEndpoint := os.Getenv("SOVEREIGN_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	return &Config{
		AdapterName:  adapterName,
		AuditSink:    auditSink,
		OTLPEndpoint: otlpEndpoint,
		Telemetry:    os.Getenv("SOVEREIGN_TELEMETRY") == "true",
		ProfilePath:  os.Getenv("SOVEREIGN_PROFILE"),
	}
}
