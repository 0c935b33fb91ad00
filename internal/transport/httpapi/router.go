// Package httpapi — HTTP API сервиса заказов поверх chi.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/idempotency"
)

const (
	tracerName     = "github.com/vladislavdragonenkov/orderdesk/internal/transport/httpapi"
	requestTimeout = 15 * time.Second
)

// Dependencies: всё, что нужно роутеру.
type Dependencies struct {
	Orders   OrderService
	Products domain.ProductRepository
	Audit    domain.AuditRepository
	Guard    *idempotency.Guard
	// Subscriber может быть nil, тогда /ws не регистрируется.
	Subscriber Subscriber
	Logger     *log.Entry
}

// NewRouter собирает маршруты API.
func NewRouter(deps Dependencies) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	h := &handlers{
		orders:     deps.Orders,
		products:   deps.Products,
		audit:      deps.Audit,
		subscriber: deps.Subscriber,
		logger:     logger,
	}

	var authorizePlace func(domain.Caller) error
	if deps.Orders != nil {
		authorizePlace = deps.Orders.AuthorizePlace
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, RequestLogger(logger), middleware.Recoverer)
	r.Use(Tracing, Identity)

	if deps.Subscriber != nil {
		// websocket живёт дольше таймаута запроса
		r.Get("/ws", h.subscribe)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Route("/api/orders", func(r chi.Router) {
			r.With(Idempotency(deps.Guard, authorizePlace)).Post("/", h.placeOrder)
			r.Get("/{id}", h.getOrder)
			r.Post("/{id}/complete", h.completeOrder)
		})
		r.Get("/api/products/{id}", h.getProduct)
		r.Get("/api/audit-logs", h.listAudit)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	return r
}
