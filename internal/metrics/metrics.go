package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages sent",
	})
	PresenceOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_presence_online",
		Help: "Users with a live registered connection",
	})
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_dropped_total",
		Help: "Frames dropped because a connection's send buffer was full",
	})
	PushBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "push_batches_total",
		Help: "Push batches by final result",
	}, []string{"result"})
	PushAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_attempts_total",
		Help: "HTTP attempts made against the push provider",
	})
	PushTokensPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "push_tokens_pruned_total",
		Help: "Device tokens removed after DeviceNotRegistered",
	})
	CallAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "call_attempts_total",
		Help: "Call attempts by terminal outcome",
	}, []string{"outcome"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsMessagesTotal, PresenceOnline, FanoutDropped,
		PushBatchesTotal, PushAttemptsTotal, PushTokensPruned, CallAttemptsTotal,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware records request count and latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
