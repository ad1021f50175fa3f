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
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_p2p_joins_total",
		Help: "P2P queue joins by outcome (matched, waiting, existing)",
	}, []string{"outcome"})
	ClaimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_p2p_claim_conflicts_total",
		Help: "Waiting connections that were claimed by another joiner first",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages sent",
	}, []string{"kind"})
	GroupMessagesEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_group_messages_evicted_total",
		Help: "Group messages removed to keep the per-group window bounded",
	}, []string{"source"})
	SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sweep_runs_total",
		Help: "Cleanup sweep executions by task and result",
	}, []string{"task", "result"})
	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_sweep_duration_seconds",
		Help:    "Cleanup sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	UsersCleaned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_users_cleaned_total",
		Help: "Users removed by logout or inactivity",
	}, []string{"reason"})
	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_p2p_waiting",
		Help: "Unexpired waiting connections",
	})
	QueueActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_p2p_active",
		Help: "Unexpired active connections",
	})
	ActiveUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_users",
		Help: "Users active within the inactivity window",
	})
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
		WsConnections, MatchesTotal, ClaimConflictsTotal, MessagesTotal, GroupMessagesEvicted,
		SweepRuns, SweepDuration, UsersCleaned, QueueWaiting, QueueActive, ActiveUsers,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
