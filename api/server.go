/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. Logger:     zap request logging; the request-scoped logger (with
                 request_id) is stored in the context for handlers
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/operations/*       Operation envelopes
  /api/entries            Raw entry query
  /api/correlations/*     Committed groups
  /api/treasuries/*       Treasury balances, statements, closings
  /api/warehouses/*       Stock positions and statements
  /api/products           Catalog products
  /api/audits/*           Inventory audit workflow
  /api/representatives/*  Custody snapshots
  /api/orders/events      Order status stream
  /api/scenarios/*        Demo scenarios
  /api/admin/*            Closing recomputation

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/ledger-engine/logger"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/operations", func(r chi.Router) {
			r.Post("/", h.CreateOperation)
			r.Get("/kinds", h.ListOperationKinds)
		})
		r.Get("/entries", h.QueryEntries)
		r.Get("/correlations/{id}", h.GetCorrelation)

		r.Route("/treasuries", func(r chi.Router) {
			r.Get("/", h.ListTreasuries)
			r.Post("/", h.CreateTreasury)
			r.Get("/{id}/balance", h.GetTreasuryBalance)
			r.Get("/{id}/statement", h.GetTreasuryStatement)
			r.Get("/{id}/closings", h.GetTreasuryClosings)
		})

		r.Route("/warehouses", func(r chi.Router) {
			r.Get("/", h.ListWarehouses)
			r.Post("/", h.CreateWarehouse)
			r.Get("/{id}/stock", h.GetWarehouseStock)
			r.Get("/{id}/products/{productID}/stock", h.GetStock)
			r.Get("/{id}/products/{productID}/statement", h.GetStockStatement)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)
		})

		r.Route("/audits", func(r chi.Router) {
			r.Get("/", h.ListAudits)
			r.Post("/", h.CreateAudit)
			r.Get("/{id}", h.GetAudit)
			r.Put("/{id}/items", h.SaveAuditItems)
			r.Post("/{id}/items/remove", h.RemoveAuditItems)
			r.Post("/{id}/submit", h.SubmitAudit)
			r.Post("/{id}/approve", h.ApproveAudit)
			r.Post("/{id}/reject", h.RejectAudit)
		})

		r.Route("/representatives", func(r chi.Router) {
			r.Post("/", h.CreateRepresentative)
			r.Get("/{id}/custody", h.GetCustody)
		})
		r.Post("/suppliers", h.CreateSupplier)
		r.Post("/orders/events", h.RecordOrderEvent)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/closings", h.RunClosings)
		})
	})

	return r
}

// requestLogger logs one line per request and exposes a request-scoped
// logger through logger.FromContext.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := base.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logger.WithLogger(r.Context(), reqLog)))

			reqLog.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
