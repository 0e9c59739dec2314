package zerorpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hunyxv/zerorpc"

// Tracer 返回 tp 的 tracer，tp 为空时使用全局 TracerProvider
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// StartSpan 为一次调用创建 span
func StartSpan(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, method, channelID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, method,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("rpc.system", "zerorpc"),
			attribute.String("rpc.method", method),
			attribute.String("zerorpc.channel_id", channelID),
		))
}

// EndSpan 结束 span，err 不为空时标记异常
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// InjectTrace 用全局 TextMapPropagator 导出 ctx 中的链路信息
func InjectTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractTrace 从消息头中恢复对端的链路信息
func ExtractTrace(ctx context.Context, trace map[string]string) context.Context {
	if len(trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(trace))
}
