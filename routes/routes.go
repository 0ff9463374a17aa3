package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upb/adgen/app"
	"github.com/upb/adgen/handlers"
	"github.com/upb/adgen/utils"
)

// MediaPrefix is where stored images are served from
const MediaPrefix = "/media"

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Location", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.StoreHealth, deps.Orchestrator, deps.Logger)
	generation := handlers.NewGenerationHandler(deps.Engine, deps.Config.Jobs.SyncWait, deps.Logger)
	jobs := handlers.NewJobHandler(deps.Engine, deps.Logger)
	monitoring := handlers.NewMonitoringHandler(deps.Orchestrator, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	// Generated images
	media := http.StripPrefix(MediaPrefix, http.FileServer(http.Dir(deps.Media.BasePath())))
	r.Get(MediaPrefix+"/*", media.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireUser)

		// Generation requests are bounded by the ?wait cap, not the job timeout
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(deps.Config.Jobs.SyncWait + 30*time.Second))
			r.Post("/generations/text", generation.HandleText)
			r.Post("/generations/image", generation.HandleImage)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobs.HandleList)
			r.Get("/{id}", jobs.HandleGet)
			r.Get("/{id}/result", jobs.HandleResult)
			r.Post("/{id}/cancel", jobs.HandleCancel)
		})

		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/breakers", monitoring.HandleBreakers)
			r.Get("/cache", monitoring.HandleCache)
			r.Get("/providers", monitoring.HandleProviders)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/breakers/{provider}/state", monitoring.HandleForceBreaker)
			r.Post("/cache/invalidate", monitoring.HandleInvalidateCache)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
