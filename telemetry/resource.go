package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// newResource tags every span/metric this process emits with its service
// name, schemaless to avoid pinning a semconv package version independently
// of the otel release this module vendors.
func newResource(serviceName string) *resource.Resource {
	return resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)
}

// otelGlobalProvider returns the process-wide TracerProvider set by
// otel.SetTracerProvider, or the SDK's built-in no-op provider if nothing
// was ever registered.
func otelGlobalProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}
