package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	IMOnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "im_online_users",
			Help: "Number of users with at least one live connection",
		},
	)

	IMMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_messages_total",
			Help: "Realtime messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	IntegrityFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "im_integrity_failures_total",
			Help: "Decrypted messages failing content hash verification",
		},
	)

	PushDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push notification attempts by result",
		},
		[]string{"result"},
	)

	WorkQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workqueue_depth",
			Help: "Pending jobs in the background work queue",
		},
	)

	WorkQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workqueue_dropped_total",
			Help: "Jobs rejected because the work queue was full",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(IMOnlineUsers)
	prometheus.MustRegister(IMMessageCounter)
	prometheus.MustRegister(IntegrityFailures)
	prometheus.MustRegister(PushDeliveries)
	prometheus.MustRegister(WorkQueueDepth)
	prometheus.MustRegister(WorkQueueDropped)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
