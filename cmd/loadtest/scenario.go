package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderdesk/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/orderdesk/internal/version"
)

type placeRequest struct {
	Items []placeItem `json:"items"`
}

type placeItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type placeResponse struct {
	OrderID int64 `json:"orderId"`
}

// httpResult: то, что сценарию нужно знать об ответе.
type httpResult struct {
	status   int
	body     []byte
	replayed bool
}

var errReplayMismatch = errors.New("replayed response differs from the original")

// scenario: один прогон: разместить заказ и, в зависимости от режима, повторить его или завершить.
type scenario struct {
	client *http.Client
	cfg    config
	stats  *collector
}

// run возвращает ошибку только для провала; 409 за остаток провалом не считается.
func (s scenario) run(ctx context.Context, buyer string) (err error) {
	done := s.stats.timer(scenarioMethod)
	status, result := http.StatusOK, outcomeSuccess
	defer func() {
		if err != nil {
			result = outcomeFailed
		}
		done(status, result)
	}()

	key := uuid.NewString()
	first, err := s.placeWithRetry(ctx, key, buyer)
	status = first.status
	if err != nil {
		return err
	}
	switch classify(first.status) {
	case outcomeConflict:
		result = outcomeConflict
		return nil
	case outcomeFailed:
		return fmt.Errorf("place order: unexpected status %d", first.status)
	}

	var placed placeResponse
	if err := json.Unmarshal(first.body, &placed); err != nil || placed.OrderID <= 0 {
		return errors.New("place response returned empty order id")
	}

	switch s.cfg.mode {
	case modePlaceReplay:
		replay, err := s.place(ctx, "PlaceOrderReplay", key, buyer)
		status = replay.status
		if err != nil {
			return err
		}
		if !replay.replayed || replay.status != first.status || !bytes.Equal(replay.body, first.body) {
			return errReplayMismatch
		}
	case modePlaceComplete:
		res, err := s.complete(ctx, placed.OrderID)
		status = res.status
		if err != nil {
			return err
		}
		if classify(res.status) != outcomeSuccess {
			return fmt.Errorf("complete order %d: unexpected status %d", placed.OrderID, res.status)
		}
	}
	return nil
}

// placeWithRetry повторяет запрос с тем же ключом: неуспешные ответы Guard не сохраняет.
func (s scenario) placeWithRetry(ctx context.Context, key, buyer string) (httpResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := s.place(ctx, "PlaceOrder", key, buyer)
		if err != nil || classify(res.status) != outcomeConflict || attempt >= s.cfg.retries {
			return res, err
		}
	}
}

func (s scenario) place(ctx context.Context, method, key, buyer string) (httpResult, error) {
	payload, err := json.Marshal(placeRequest{Items: []placeItem{{ProductID: s.cfg.productID, Quantity: s.cfg.quantity}}})
	if err != nil {
		return httpResult{}, err
	}
	return s.call(ctx, method, http.MethodPost, "/api/orders", payload, func(h http.Header) {
		h.Set("Content-Type", "application/json")
		h.Set(httpapi.HeaderIdempotencyKey, key)
		h.Set(httpapi.HeaderUserID, buyer)
		h.Set(httpapi.HeaderUserRoles, s.cfg.roles)
	})
}

func (s scenario) complete(ctx context.Context, orderID int64) (httpResult, error) {
	return s.call(ctx, "CompleteOrder", http.MethodPost, fmt.Sprintf("/api/orders/%d/complete", orderID), nil, func(h http.Header) {
		h.Set(httpapi.HeaderUserID, s.cfg.buyerTag+"-operator")
		h.Set(httpapi.HeaderUserRoles, s.cfg.completeRoles)
	})
}

// call выполняет запрос с таймаутом cfg.timeout и пишет его в статистику под именем method.
func (s scenario) call(ctx context.Context, method, verb, path string, body []byte, headers func(http.Header)) (res httpResult, err error) {
	done := s.stats.timer(method)
	defer func() { done(res.status, classify(res.status)) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, verb, s.cfg.addr+path, bytes.NewReader(body))
	if err != nil {
		return httpResult{}, err
	}
	req.Header.Set("User-Agent", version.UserAgent("loadtest"))
	headers(req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return httpResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpResult{status: resp.StatusCode}, err
	}
	return httpResult{
		status:   resp.StatusCode,
		body:     data,
		replayed: resp.Header.Get(httpapi.HeaderReplayed) == "true",
	}, nil
}
