package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatteam_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatteam_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Presence metrics
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatteam_rooms_created_total",
			Help: "Total rooms created",
		},
	)

	PresenceJoins = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatteam_presence_joins_total",
			Help: "Total presence join transactions committed",
		},
	)

	PresenceLeaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatteam_presence_leaves_total",
			Help: "Total presence leave transactions committed",
		},
	)

	// Chat metrics
	ChatSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatteam_chat_sessions_active",
			Help: "Currently joined chat sessions",
		},
	)

	ChatMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatteam_chat_messages_total",
			Help: "Total chat messages broadcast",
		},
	)

	ChatJoinRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatteam_chat_join_rejections_total",
			Help: "Total rejected chat joins",
		},
		[]string{"code"}, // BAD_REQUEST, ROOM_FULL, ROOM_NOT_FOUND
	)

	// Voice metrics
	VoicePeersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatteam_voice_peers_active",
			Help: "Currently registered voice endpoints",
		},
	)

	// Infrastructure metrics
	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatteam_ws_connections",
			Help: "Open WebSocket connections",
		},
		[]string{"channel"}, // "chat" or "voice"
	)
)
