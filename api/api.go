// Package api serves the fabric control plane over HTTP.
//
// Every route is answered by the master. On a node that does not hold
// the master role the routes fail with 503 so a load balancer can retry
// another node.
//
//	GET    /v1/subscribers
//	GET    /v1/subscriptions
//	POST   /v1/subscriptions
//	DELETE /v1/subscriptions
//	POST   /v1/subscriptions/start
//	POST   /v1/subscriptions/stop
//	GET    /v1/subscriptions/:name/status
//	GET    /v1/subscriptions/:name/history
//	POST   /v1/subscriptions/:name/control
//	GET    /v1/requests/:requestId
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dimfeld/httptreemux/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/fabric/allocation"
	"github.com/xraph/fabric/history"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/membership"
	"github.com/xraph/fabric/subscription"
)

// ControlPlane is the master surface the API exposes.
type ControlPlane interface {
	ListSubscribers() ([]membership.Entry, error)
	ListSubscriptions() ([]subscription.Summary, error)
	UploadSubscriptions(ctx context.Context, defs []subscription.Definition, target string) (id.RequestID, error)
	SetSubscriptions(ctx context.Context, names []string, start bool) (id.RequestID, error)
	RemoveSubscriptions(ctx context.Context, names []string) (id.RequestID, error)
	ControlSubscription(ctx context.Context, name, message string, payload []byte) (id.RequestID, error)
	GetSubscriptionStatus(name string) (subscription.Summary, error)
	RequestStatus(reqID id.RequestID) (allocation.Request, error)
	SubscriptionHistory(ctx context.Context, name string) ([]*history.Entry, error)
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the access logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithMeter sets the meter recording request counts and latencies. The
// global MeterProvider is used otherwise.
func WithMeter(m metric.Meter) Option {
	return func(a *API) { a.meter = m }
}

// API wires the control-plane handlers to a router.
type API struct {
	cp     ControlPlane
	logger *slog.Logger
	meter  metric.Meter

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// New creates an API over cp.
func New(cp ControlPlane, opts ...Option) *API {
	a := &API{cp: cp, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.meter == nil {
		a.meter = otel.Meter("github.com/xraph/fabric/api")
	}
	a.requests, _ = a.meter.Int64Counter("fabric.http.requests",
		metric.WithDescription("Control-plane requests by route and status"))
	a.latency, _ = a.meter.Float64Histogram("fabric.http.duration",
		metric.WithDescription("Control-plane request duration"),
		metric.WithUnit("ms"))
	return a
}

// Handler returns the assembled router.
func (a *API) Handler() http.Handler {
	mux := httptreemux.NewContextMux()
	mux.UseHandler(a.observe)
	a.RegisterRoutes(mux.NewGroup("/v1"))
	return mux
}

// RegisterRoutes registers the control-plane routes on g.
func (a *API) RegisterRoutes(g *httptreemux.ContextGroup) {
	g.GET("/subscribers", a.listSubscribers)

	g.GET("/subscriptions", a.listSubscriptions)
	g.POST("/subscriptions", a.uploadSubscriptions)
	g.DELETE("/subscriptions", a.removeSubscriptions)
	g.POST("/subscriptions/start", a.setSubscriptions(true))
	g.POST("/subscriptions/stop", a.setSubscriptions(false))
	g.GET("/subscriptions/:name/status", a.subscriptionStatus)
	g.GET("/subscriptions/:name/history", a.subscriptionHistory)
	g.POST("/subscriptions/:name/control", a.controlSubscription)

	g.GET("/requests/:requestId", a.requestStatus)
}

// observe logs and measures each request under its route pattern.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if data := httptreemux.ContextData(r.Context()); data != nil {
			route = data.Route()
		}
		elapsed := time.Since(start)
		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rec.status),
		)
		a.requests.Add(r.Context(), 1, attrs)
		a.latency.Record(r.Context(), float64(elapsed.Microseconds())/1000, attrs)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		a.logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
