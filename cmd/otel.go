package cmd

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// setupOTelSDK bootstraps the OpenTelemetry pipeline. Metrics always feed the
// Prometheus registry behind /metrics; the OTLP exporters are added when a
// collector URL is configured. If it does not return an error, make sure to
// call shutdown for proper cleanup.
func setupOTelSDK(ctx context.Context, cmd *cli.Command) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	shutdown := func(ctx context.Context) error {
		defer func() {
			shutdownFuncs = nil
		}()

		g, ctx := errgroup.WithContext(ctx)

		for _, fn := range shutdownFuncs {
			g.Go(func() error {
				return fn(ctx)
			})
		}

		return g.Wait()
	}

	handleErr := func(inErr error) error {
		return errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cmd.Root().Name),
		semconv.ServiceVersion(Version),
	)

	enabled := cmd.Bool("otel-enabled")
	colURL := cmd.String("otel-grpc-url")

	meterProvider, err := newMeterProvider(ctx, enabled, colURL, res)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error creating a new meter provider")

		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	if enabled && colURL != "" {
		tracerProvider, err := newTraceProvider(ctx, colURL, res)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("error creating a new tracer provider")

			return shutdown, handleErr(err)
		}

		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	return shutdown, nil
}

func newMeterProvider(
	ctx context.Context,
	enabled bool,
	colURL string,
	res *resource.Resource,
) (*sdkmetric.MeterProvider, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if enabled && colURL != "" {
		zerolog.Ctx(ctx).Info().Msg("setting up meter provider with gRPC endpoint")

		metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(colURL))
		if err != nil {
			return nil, err
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}

func newTraceProvider(
	ctx context.Context,
	colURL string,
	res *resource.Resource,
) (*sdktrace.TracerProvider, error) {
	zerolog.Ctx(ctx).Info().Msg("setting up tracer provider with gRPC endpoint")

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(colURL))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	), nil
}
