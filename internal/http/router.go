package httpserver

import (
	"log"
	"net/http"

	"github.com/filingsight/ingest-back/internal/http/handlers"
	"github.com/filingsight/ingest-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/admin/companies", deps.API.Companies)
	mux.HandleFunc("/v1/admin/ingestions", deps.API.Ingestions)
	mux.HandleFunc("/v1/admin/ingestions/", deps.API.IngestionByID)
	mux.HandleFunc("/v1/search", deps.API.Search)
	mux.HandleFunc("/v1/stats", deps.API.Stats)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
