package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_api_requests_total", Help: "Admin API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_outbox_enqueue_total", Help: "Outbox enqueue results"},
		[]string{"kind", "result"},
	)
	OutboxDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_outbox_dispatch_total", Help: "Outbox task dispatch outcomes"},
		[]string{"kind", "result"},
	)
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "msgpipe_outbox_pending", Help: "Due outbox tasks seen by the last drain"},
	)
	OutboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_outbound_messages_total", Help: "Outbound enqueue outcomes"},
		[]string{"channel", "result"},
	)
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_inbound_messages_total", Help: "Inbound message outcomes"},
		[]string{"channel", "result"},
	)
	DeliveryCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_delivery_callbacks_total", Help: "Delivery status callbacks by reconciler outcome"},
		[]string{"provider", "outcome"},
	)
	TwilioSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_send_total", Help: "Twilio send outcomes"},
		[]string{"result", "http_status"},
	)
	TwilioLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "twilio_send_latency_seconds", Help: "Twilio send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_webhook_events_total", Help: "Webhook events"},
		[]string{"kind", "status"},
	)
	Suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_suppressed_total", Help: "Suppressed sends"},
		[]string{"reason"},
	)
	SyncPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msgpipe_sync_published_total", Help: "sync.trigger publishes by sink"},
		[]string{"sink", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Enqueues, OutboxDispatch, OutboxPending,
		OutboundMessages, InboundMessages, DeliveryCallbacks,
		TwilioSend, TwilioLatency, WebhookEvents, Suppressed, SyncPublished,
	)
}
