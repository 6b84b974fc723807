package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/metrics"
	"teamchat/internal/privacy"
	"teamchat/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RequestIDHeader is read from incoming requests and echoed on responses.
const RequestIDHeader = "X-Request-ID"

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
	"x-auth-token":  true,
}

// Observability adds a request ID, a span, Prometheus metrics and request
// logs to every control API request.
func Observability(logger *logrus.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ctx, span := tracing.StartSpan(r.Context(), "http_request")
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = tracing.NewRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			route := routeTemplate(r)
			clientIP := ClientIP(r)
			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", clientIP),
			)

			entry := logger.WithFields(logrus.Fields{
				constants.LogFieldRequestID: requestID,
				constants.LogFieldTraceID:   tracing.TraceID(ctx),
				constants.LogFieldMethod:    r.Method,
				constants.LogFieldURL:       r.URL.Path,
				constants.LogFieldRemoteIP:  clientIP,
			})
			if logger.IsLevelEnabled(logrus.DebugLevel) {
				entry.WithFields(logrus.Fields{
					constants.LogFieldUserAgent: r.Header.Get("User-Agent"),
					"request_headers":           maskHeaders(r.Header),
				}).Debug("HTTP request started")
			}

			done := m.HTTPStarted()
			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)
			duration := time.Since(started)
			done(r.Method, route, wrapper.statusCode, duration)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 500 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			level := logrus.InfoLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			case route == "/health" || route == "/metrics":
				level = logrus.DebugLevel
			}
			entry.WithFields(logrus.Fields{
				constants.LogFieldStatusCode: wrapper.statusCode,
				constants.LogFieldDuration:   duration.Milliseconds(),
				constants.LogFieldSize:       wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

// routeTemplate returns the matched mux path template so metric labels
// stay bounded, falling back to the raw path outside a router.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// ClientIP extracts the caller address, preferring the first hop of
// X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func maskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		if sensitiveHeaders[strings.ToLower(name)] {
			value = privacy.MaskToken(value)
		}
		out[name] = value
	}
	return out
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
