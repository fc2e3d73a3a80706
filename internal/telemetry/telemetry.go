package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
)

const meterName = "github.com/iabetor/pispeak"

// Telemetry 用 OpenTelemetry 记录流水线指标，并以 Prometheus 格式导出。
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	firstAudio metric.Float64Histogram
	streams    metric.Int64Counter
	phrases    metric.Int64Counter
	frames     metric.Int64Counter
	active     metric.Int64UpDownCounter
}

// New 创建指标提供者。每个实例使用独立的 Prometheus registry。
func New() (*Telemetry, error) {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("[telemetry] 创建 Prometheus exporter 失败: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "pispeak"))),
	)
	meter := provider.Meter(meterName)

	t := &Telemetry{
		provider: provider,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	if t.firstAudio, err = meter.Float64Histogram("pispeak.first_audio.latency",
		metric.WithDescription("从接纳请求到第一个音频片段写入设备的时间"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(50, 100, 250, 500, 750, 1000, 1500, 2000, 3000, 5000),
	); err != nil {
		return nil, err
	}
	if t.streams, err = meter.Int64Counter("pispeak.streams",
		metric.WithDescription("按结束方式统计的流数量"),
	); err != nil {
		return nil, err
	}
	if t.phrases, err = meter.Int64Counter("pispeak.phrases",
		metric.WithDescription("已合成的短语数量"),
	); err != nil {
		return nil, err
	}
	if t.frames, err = meter.Int64Counter("pispeak.audio.frames",
		metric.WithDescription("写入设备的音频片段数量"),
	); err != nil {
		return nil, err
	}
	if t.active, err = meter.Int64UpDownCounter("pispeak.streams.active",
		metric.WithDescription("正在运行的流数量"),
	); err != nil {
		return nil, err
	}

	logger.Info("[telemetry] 指标已初始化")
	return t, nil
}

// Handler 返回 Prometheus 抓取端点。
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown 刷新并关闭指标提供者。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

func (t *Telemetry) StreamStarted(info pipeline.Info) {
	t.active.Add(context.Background(), 1)
}

func (t *Telemetry) FirstAudio(id string, latency time.Duration) {
	t.firstAudio.Record(context.Background(), float64(latency)/float64(time.Millisecond))
}

func (t *Telemetry) StreamFinished(r pipeline.Report) {
	ctx := context.Background()
	t.active.Add(ctx, -1)
	t.streams.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(r.Outcome)),
		attribute.String("source", r.Source),
		attribute.String("engine", r.Engine),
	))
	engine := metric.WithAttributes(attribute.String("engine", r.Engine))
	t.phrases.Add(ctx, int64(r.Phrases), engine)
	t.frames.Add(ctx, int64(r.Frames), engine)
}
