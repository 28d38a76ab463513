package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/meterledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "meterledger/http"

// GinMiddleware opens one server span per request, named after the matched
// route, and tags it with the account, reservation and calling key when the
// route carries them.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := strings.ToUpper(c.Request.Method)

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx = withRequestBaggage(ctx)
		ctx, span := tracer.Start(ctx, method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(SafeAttributes(requestAttributes(c, status)...)...)
		if status < http.StatusInternalServerError {
			return
		}
		if last := c.Errors.Last(); last != nil {
			if safeErr := SafeError(last.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func withRequestBaggage(ctx context.Context) context.Context {
	requestID := obscontext.RequestIDFromContext(ctx)
	if requestID == "" {
		return ctx
	}
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

func requestAttributes(c *gin.Context, status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int("http.status_code", status)}
	if id := obscontext.RequestIDFromContext(c.Request.Context()); id != "" {
		attrs = append(attrs, attribute.String("request_id", id))
	}
	if id := c.Param("account_id"); id != "" {
		attrs = append(attrs, attribute.String("ledger.account_id", id))
	}
	if id := c.Param("reservation_id"); id != "" {
		attrs = append(attrs, attribute.String("ledger.reservation_id", id))
	}
	if actorType, actorID := obscontext.ActorFromContext(c.Request.Context()); actorID != "" {
		attrs = append(attrs, attribute.String("actor.type", actorType), attribute.String("actor.id", actorID))
	}
	return attrs
}
