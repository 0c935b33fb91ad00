package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/placement"
)

const defaultAuditLimit = 100

// OrderService: операции над заказами, которые обслуживает API.
type OrderService interface {
	PlaceOrder(ctx context.Context, caller domain.Caller, req placement.PlaceOrderRequest) (domain.Order, error)
	AuthorizePlace(caller domain.Caller) error
	CompleteOrder(ctx context.Context, caller domain.Caller, orderID int64) (domain.Order, error)
	GetOrder(ctx context.Context, caller domain.Caller, orderID int64) (domain.Order, error)
}

// Subscriber подключает websocket-клиента к рассылке уведомлений.
type Subscriber interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string, groups []string) error
}

type placeOrderRequest struct {
	BuyerID string `json:"buyerId"`
	Items   []struct {
		ProductID int64 `json:"productId"`
		Quantity  int   `json:"quantity"`
	} `json:"items"`
}

type placeOrderResponse struct {
	OrderID int64 `json:"orderId"`
}

type orderItemResponse struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type orderResponse struct {
	ID        int64               `json:"id"`
	BuyerID   string              `json:"buyerId"`
	Status    domain.OrderStatus  `json:"status"`
	Items     []orderItemResponse `json:"items"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt *time.Time          `json:"updatedAt,omitempty"`
}

type productResponse struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Inventory       int        `json:"inventory"`
	IsDeleted       bool       `json:"isDeleted"`
	PromotionExpiry *time.Time `json:"promotionExpiry,omitempty"`
}

type auditEntryResponse struct {
	ID        int64     `json:"id"`
	Change    string    `json:"change"`
	CreatedAt time.Time `json:"createdAt"`
}

type handlers struct {
	orders     OrderService
	products   domain.ProductRepository
	audit      domain.AuditRepository
	subscriber Subscriber
	logger     *log.Entry
}

func (h *handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errInvalidJSON.Error()})
		return
	}

	req := placement.PlaceOrderRequest{BuyerID: body.BuyerID}
	for _, item := range body.Items {
		req.Items = append(req.Items, placement.ItemRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := h.orders.PlaceOrder(r.Context(), CallerFromContext(r.Context()), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, placeOrderResponse{OrderID: order.ID})
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(r.Context(), CallerFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *handlers) completeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	order, err := h.orders.CompleteOrder(r.Context(), CallerFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *handlers) getProduct(w http.ResponseWriter, r *http.Request) {
	if !CallerFromContext(r.Context()).Authenticated() {
		writeError(w, domain.ErrUnauthenticated)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	product, err := h.products.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, productResponse{
		ID:              product.ID,
		Name:            product.Name,
		Inventory:       product.Inventory,
		IsDeleted:       product.IsDeleted,
		PromotionExpiry: product.PromotionExpiry,
	})
}

func (h *handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	caller := CallerFromContext(r.Context())
	if !caller.Authenticated() {
		writeError(w, domain.ErrUnauthenticated)
		return
	}
	if !caller.HasRole(domain.RoleAdmin) {
		writeError(w, domain.ErrForbidden)
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := h.audit.List(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]auditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, auditEntryResponse{ID: entry.ID, Change: entry.Change, CreatedAt: entry.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

// subscribe: группы клиента — его роли плюс группы заказов из ?orders=1,2.
func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	caller := CallerFromContext(r.Context())
	if !caller.Authenticated() {
		writeError(w, domain.ErrUnauthenticated)
		return
	}

	groups := append([]string(nil), caller.Roles...)
	for _, raw := range strings.Split(r.URL.Query().Get("orders"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		orderID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || orderID <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "orders must be a list of positive ids"})
			return
		}
		if _, err := h.orders.GetOrder(r.Context(), caller, orderID); err != nil {
			h.fail(w, r, err)
			return
		}
		groups = append(groups, domain.OrderGroup(orderID))
	}

	if err := h.subscriber.Serve(w, r, caller.UserID, groups); err != nil {
		h.logger.WithError(err).Warn("websocket subscribe failed")
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func toOrderResponse(order domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return orderResponse{
		ID:        order.ID,
		BuyerID:   order.BuyerID,
		Status:    order.Status,
		Items:     items,
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.UpdatedAt,
	}
}
