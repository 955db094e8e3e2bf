package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calltrace/event"
	"calltrace/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// ExportOptions mirror recorded events to an OTLP/HTTP logs endpoint. Export
// is off unless an endpoint is configured or FromEnv finds one.
type ExportOptions struct {
	Endpoint     string
	FromEnv      bool
	Headers      map[string]string
	ServiceName  string
	Timeout      time.Duration
	IncludePaths bool

	// Process identity attached to the OTEL resource.
	ProcessPID  int
	ProcessName string
	Executable  string
}

type otelLogger struct {
	provider     *sdklog.LoggerProvider
	logger       otelLog.Logger
	timeout      time.Duration
	endpoint     string
	includePaths bool
}

func newOtelLogger(opts ExportOptions) (*otelLogger, error) {
	endpoint := resolveOtelEndpoint(opts)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	exporterOpts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlploghttp.WithHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		exporterOpts = append(exporterOpts, otlploghttp.WithTimeout(opts.Timeout))
	}

	exp, err := otlploghttp.New(context.Background(), exporterOpts...)
	if err != nil {
		return nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(otelResource(opts)),
	)

	return &otelLogger{
		provider:     provider,
		logger:       provider.Logger("calltrace"),
		timeout:      opts.Timeout,
		endpoint:     endpoint,
		includePaths: opts.IncludePaths,
	}, nil
}

func otelResource(opts ExportOptions) *resource.Resource {
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "calltrace"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if opts.ProcessPID > 0 {
		attrs = append(attrs, semconv.ProcessPIDKey.Int(opts.ProcessPID))
	}
	if opts.ProcessName != "" {
		attrs = append(attrs, semconv.ProcessExecutableNameKey.String(opts.ProcessName))
	}
	if opts.IncludePaths && opts.Executable != "" {
		attrs = append(attrs, semconv.ProcessExecutablePathKey.String(opts.Executable))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func resolveOtelEndpoint(opts ExportOptions) string {
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		return endpoint
	}
	if !opts.FromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// Emit mirrors one recorded event as a log record.
func (o *otelLogger) Emit(e event.Event) {
	if o == nil || o.logger == nil {
		return
	}
	var record otelLog.Record
	record.SetTimestamp(time.UnixMicro(e.TimestampUS))
	record.SetObservedTimestamp(time.Now())
	record.SetEventName("calltrace." + e.Kind.String())
	record.SetSeverity(otelLog.SeverityTrace)
	record.AddAttributes(eventAttributes(e, o.includePaths)...)
	record.SetBody(otelLog.StringValue(e.FunctionName))
	o.logger.Emit(context.Background(), record)
}

// eventAttributes maps an event onto code.* semantic attributes. Without
// includePaths only file base names leave the process.
func eventAttributes(e event.Event, includePaths bool) []otelLog.KeyValue {
	fnFile, callerFile := e.FunctionFile, e.CallerFile
	if !includePaths {
		fnFile = filepath.Base(fnFile)
		callerFile = filepath.Base(callerFile)
	}
	return []otelLog.KeyValue{
		otelLog.String("trace.phase", e.Kind.Phase()),
		otelLog.String(string(semconv.CodeFunctionKey), e.FunctionName),
		otelLog.String(string(semconv.CodeFilepathKey), fnFile),
		otelLog.Int(string(semconv.CodeLineNumberKey), e.FunctionLine),
		otelLog.String("code.caller", fmt.Sprintf("%s:%d", callerFile, e.CallerLine)),
		otelLog.Int(string(semconv.ProcessPIDKey), e.PID),
		otelLog.Int(string(semconv.ThreadIDKey), e.TID),
	}
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}
