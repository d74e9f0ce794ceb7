package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	ticketsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbot_tickets_created_total",
			Help: "Total number of moderation tickets created",
		},
		[]string{"type"},
	)

	muteGroupsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modbot_mute_groups_active",
			Help: "Number of scheduled mute groups waiting for reversal",
		},
	)

	muteReversalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbot_mute_reversals_total",
			Help: "Per-member reversal attempts of expired timed mutes",
		},
		[]string{"outcome"},
	)

	modlogPostsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbot_modlog_posts_total",
			Help: "Modlog post attempts by result",
		},
		[]string{"result"},
	)

	registerOnce sync.Once
)

// Init registers the collectors with reg (once per process) and installs the
// tracer provider. The returned func flushes and shuts the provider down.
func Init(reg prometheus.Registerer) func(ctx context.Context) error {
	registerOnce.Do(func() {
		reg.MustRegister(ticketsCreatedTotal, muteGroupsActive, muteReversalsTotal, modlogPostsTotal)
	})

	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Server exposes /metrics. It satisfies lifecycle.Component.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func RecordTicketCreated(ticketType string) {
	ticketsCreatedTotal.WithLabelValues(ticketType).Inc()
}

func SetMuteGroupsActive(n int) {
	muteGroupsActive.Set(float64(n))
}

func RecordMuteReversal(outcome string) {
	muteReversalsTotal.WithLabelValues(outcome).Inc()
}

func RecordModlogPost(result string) {
	modlogPostsTotal.WithLabelValues(result).Inc()
}
