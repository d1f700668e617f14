package config

// ObservabilityConfig holds OpenTelemetry configuration, shared by every
// binary (dispatcher, worker, status tracker, zombie detector).
type ObservabilityConfig struct {
	OTelEnabled   bool   `env:"JOBSCHEDULER_OTEL_ENABLED"`
	OTelCollector string `env:"JOBSCHEDULER_OTEL_COLLECTOR"`
	ServiceName   string `env:"JOBSCHEDULER_SERVICE_NAME"`
}
