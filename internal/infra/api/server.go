package api

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tablebook-referrals/internal/config"
	"tablebook-referrals/internal/usecase"
)

// Server exposes the referral use cases over HTTP.
type Server struct {
	referrals usecase.ReferralUseCase
	stats     usecase.StatsUseCase
	auth      *AuthManager
	limiter   Limiter
	httpCfg   config.HTTPConfig
	rateCfg   config.RateLimitConfig
	validate  *validator.Validate
	log       *zerolog.Logger
}

// NewServer wires the handlers. limiter may be nil when Redis is not configured.
func NewServer(
	referrals usecase.ReferralUseCase,
	stats usecase.StatsUseCase,
	auth *AuthManager,
	limiter Limiter,
	httpCfg config.HTTPConfig,
	rateCfg config.RateLimitConfig,
	logger *zerolog.Logger,
) *Server {
	v := validator.New()
	// report json names in validation messages
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if httpCfg.RequestTimeout <= 0 {
		httpCfg.RequestTimeout = 10 * time.Second
	}
	l := logger.With().Str("component", "http").Logger()
	return &Server{
		referrals: referrals,
		stats:     stats,
		auth:      auth,
		limiter:   limiter,
		httpCfg:   httpCfg,
		rateCfg:   rateCfg,
		validate:  v,
		log:       &l,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(TraceID(), Tracing(), RequestLog(s.log), Recover(s.log), Timeout(s.httpCfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: len(s.httpCfg.AllowedOrigins) > 0,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/referrals", func(r chi.Router) {
		r.With(RateLimit(s.limiter, "validate", s.rateCfg.ValidatePerMinute, ByClientIP, s.log)).
			Get("/validate", s.handleValidate)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Authenticate(s.log))

			r.Post("/generate", s.handleGenerate)
			r.With(RateLimit(s.limiter, "process", s.rateCfg.ProcessPerMinute, ByUser, s.log)).
				Post("/process", s.handleProcess)
			r.Get("/stats", s.handleUserStats)

			r.Route("/admin", func(r chi.Router) {
				r.With(RequireAdmin(s.log, "stats")).Get("/stats", s.handleGlobalStats)
				r.With(RequireAdmin(s.log, "cleanup")).Post("/cleanup", s.handleCleanup)
				r.With(RequireAdmin(s.log, "revoke")).Post("/codes/{code}/revoke", s.handleRevoke)
			})
		})
	})
	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.httpCfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.httpCfg.AllowedOrigins
}
