package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"transfer-ledger/internal/domain"
	"transfer-ledger/internal/telemetry"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// routeOf returns the matched route pattern, which keeps label cardinality low.
func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// Tracing starts a server span per request, continuing any incoming trace.
func Tracing() gin.HandlerFunc {
	tracer := telemetry.Tracer()
	return func(c *gin.Context) {
		route := routeOf(c)
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", c.Request.URL.Path),
				attribute.String("http.user_agent", c.Request.UserAgent()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// Metrics records request count and latency per route.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := routeOf(c)
		start := time.Now()
		c.Next()

		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// withConcurrencyLimit is backpressure at the edge: it fails fast instead of
// queueing when max requests are already in flight.
func withConcurrencyLimit(max int) gin.HandlerFunc {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			c.Next()
		default:
			telemetry.HTTPRejectedTotal.Inc()
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, domain.TransferResponse{
				State:  stateFailed,
				Reason: "Server busy",
			})
		}
	}
}
