package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-scheduling/internal/booking"
	"github.com/hackgods/doctor-scheduling/internal/metrics"
	redisclient "github.com/hackgods/doctor-scheduling/internal/redis"
	"github.com/hackgods/doctor-scheduling/internal/reminder"
	"github.com/hackgods/doctor-scheduling/internal/scheduling"
	"github.com/hackgods/doctor-scheduling/internal/slots"
	"github.com/hackgods/doctor-scheduling/internal/waitlist"
)

type RouterConfig struct {
	Slots     *slots.Manager
	Engine    *booking.Engine
	Waitlist  *waitlist.Manager
	Reminders *reminder.Scheduler
	Limiter   redisclient.Limiter // nil disables per-patient booking limits
	Health    *HealthHandler
	Metrics   *metrics.SchedulingMetrics
	Gatherer  prometheus.Gatherer // nil hides /metrics
	Logger    *zap.Logger

	JWTSecret         string
	CORSOrigins       []string
	HTTPRateLimit     int // requests per IP per second, 0 disables
	ReminderBatchSize int
	Now               func() time.Time
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	batch := cfg.ReminderBatchSize
	if batch <= 0 {
		batch = 100
	}
	h := &handlers{
		slots:     cfg.Slots,
		engine:    cfg.Engine,
		waitlist:  cfg.Waitlist,
		reminders: cfg.Reminders,
		limiter:   cfg.Limiter,
		metrics:   cfg.Metrics,
		logger:    logger,
		batchSize: batch,
		now:       now,
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoverMiddleware(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID", "X-Actor-Type", "X-Actor-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	staff := RequireRole(scheduling.ActorDoctor, scheduling.ActorAdmin, scheduling.ActorSystem)
	operators := RequireRole(scheduling.ActorAdmin, scheduling.ActorSystem)

	r.Group(func(r chi.Router) {
		if cfg.HTTPRateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.HTTPRateLimit, time.Second))
		}
		r.Use(ActorMiddleware(cfg.JWTSecret))

		r.Route("/doctors/{doctorID}", func(r chi.Router) {
			r.With(staff).Post("/slots", h.createSlot)
			r.With(staff).Post("/slot-series", h.createSeries)
			r.Get("/slots/available", h.listAvailable)
		})

		r.Route("/slots/{slotID}", func(r chi.Router) {
			r.Get("/", h.getSlot)
			r.With(staff).Post("/expand", h.expandRecurrence)
			r.With(staff).Post("/retire", h.retireSlot)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.bookAppointment)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getAppointment)
				r.Get("/history", h.appointmentHistory)
				r.Post("/cancel", h.cancelAppointment)
				r.Post("/reschedule", h.rescheduleAppointment)

				r.Group(func(r chi.Router) {
					r.Use(staff)
					r.Post("/confirm", h.transition(cfg.Engine.Confirm))
					r.Post("/check-in", h.transition(cfg.Engine.CheckIn))
					r.Post("/start", h.transition(cfg.Engine.Start))
					r.Post("/complete", h.completeAppointment)
					r.Post("/no-show", h.transition(cfg.Engine.MarkNoShow))
				})
			})
		})

		r.Post("/waitlist", h.enqueueWaitlist)
		r.Delete("/waitlist/{id}", h.cancelWaitlist)

		r.Route("/reminders", func(r chi.Router) {
			r.Use(operators)
			r.Get("/due", h.dueReminders)
			r.Post("/{id}/delivery", h.reportDelivery)
		})
	})

	return r
}
