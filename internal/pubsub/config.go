package pubsub

// TracingSettings is the part of the application configuration tracing reads.
type TracingSettings interface {
	GetTracingEnabled() bool
	GetTracingServiceName() string
	GetTracingZipkinURL() string
}

// TracingConfigFrom builds a TracingConfig from the application configuration,
// keeping defaults for empty values.
func TracingConfigFrom(s TracingSettings) TracingConfig {
	cfg := DefaultTracingConfig()
	cfg.Enabled = s.GetTracingEnabled()
	if name := s.GetTracingServiceName(); name != "" {
		cfg.ServiceName = name
	}
	if url := s.GetTracingZipkinURL(); url != "" {
		cfg.ZipkinURL = url
	}
	return cfg
}
