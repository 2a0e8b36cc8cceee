package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shiftfill/escalation-engine/internal/http/handlers"
	httpmiddleware "github.com/shiftfill/escalation-engine/internal/http/middleware"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger   *logging.Logger
	Webhooks *handlers.WebhookHandler
	Audio    *handlers.AudioHandler
	Events   *handlers.EventStreamHandler
	Operator *handlers.OperatorHandler
	Health   *handlers.HealthHandler

	// MediaStream terminates the carrier's audio WebSocket. It is mounted
	// raw: the upgrade hijacks the connection, so no timeout or compression
	// middleware may sit in front of it.
	MediaStream http.Handler

	MetricsHandler http.Handler

	// Operator surface. An empty JWT secret locks the surface shut; a zero
	// rate limit disables throttling.
	OperatorJWTSecret  string
	CORSAllowedOrigins []string
	OperatorRateLimit  int // requests per second per IP
	OperatorRateBurst  int
}

// restTimeout bounds ordinary request handling. The streaming routes
// (/media-stream, /events) are exempt: both outlive any sane deadline.
const restTimeout = 60 * time.Second

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Carrier webhooks, prompt audio, probes. Never rate limited: a cascade
	// reporting status for a whole wave of calls is legitimate burst traffic.
	r.Group(func(rest chi.Router) {
		rest.Use(middleware.Compress(5))
		rest.Use(middleware.Timeout(restTimeout))

		if cfg.Health != nil {
			rest.Get("/healthz", cfg.Health.HandleHealth)
		}
		if cfg.MetricsHandler != nil {
			rest.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhooks != nil {
			rest.Route("/webhooks", func(wh chi.Router) {
				wh.Post("/voice", cfg.Webhooks.HandleVoice)
				wh.Post("/sms", cfg.Webhooks.HandleSMS)
				wh.Post("/recording", cfg.Webhooks.HandleRecording)
				wh.Post("/transfer/complete", cfg.Webhooks.HandleTransferComplete)
				wh.Route("/outbound", func(ob chi.Router) {
					ob.Post("/answer", cfg.Webhooks.HandleOutboundAnswer)
					ob.Post("/response", cfg.Webhooks.HandleOutboundResponse)
					ob.Post("/status", cfg.Webhooks.HandleOutboundStatus)
				})
			})
		}
		if cfg.Audio != nil {
			rest.Get("/audio/{promptID}", cfg.Audio.HandleAudio)
		}
	})

	// The carrier upgrades to a WebSocket here and holds it for the life of
	// the call.
	if cfg.MediaStream != nil {
		r.Handle("/media-stream", cfg.MediaStream)
	}

	// Operator surface (JWT protected).
	r.Group(func(operator chi.Router) {
		operator.Use(httpmiddleware.OperatorJWT(cfg.OperatorJWTSecret))
		if cfg.OperatorRateLimit > 0 {
			operator.Use(httpmiddleware.RateLimit(float64(cfg.OperatorRateLimit), cfg.OperatorRateBurst))
		}

		// SSE holds the response open, so it skips the timeout group.
		if cfg.Events != nil {
			operator.Get("/events", cfg.Events.HandleEvents)
		}

		operator.Group(func(rest chi.Router) {
			rest.Use(middleware.Timeout(restTimeout))
			if cfg.Operator != nil {
				rest.Post("/escalations/{occurrenceID}/start", cfg.Operator.HandleStart)
				rest.Post("/escalations/{occurrenceID}/cancel", cfg.Operator.HandleCancel)
				rest.Get("/jobs/failed", cfg.Operator.HandleFailedJobs)
			}
		})
	})

	return r
}
