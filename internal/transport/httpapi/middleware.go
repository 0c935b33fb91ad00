package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/idempotency"
)

// Заголовки, которые выставляет шлюз аутентификации перед сервисом.
const (
	HeaderUserID         = "X-User-Id"
	HeaderUserRoles      = "X-User-Roles"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	HeaderTraceID        = "X-Trace-Id"

	maxBodyBytes = 1 << 20
)

type callerKey struct{}

// WithCaller кладёт вызывающего в контекст.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext достаёт вызывающего; пустой Caller, если Identity не отработал.
func CallerFromContext(ctx context.Context) domain.Caller {
	caller, _ := ctx.Value(callerKey{}).(domain.Caller)
	return caller
}

// Identity читает личность вызывающего из заголовков шлюза.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := domain.Caller{UserID: strings.TrimSpace(r.Header.Get(HeaderUserID))}
		for _, role := range strings.Split(r.Header.Get(HeaderUserRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				caller.Roles = append(caller.Roles, role)
			}
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// RequestLogger пишет строку access-лога через logrus.
func RequestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.WithFields(log.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
			}).Info("http request")
		})
	}
}

// Tracing продолжает трейс из входящих заголовков и открывает span на запрос.
func Tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer(tracerName)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set(HeaderTraceID, sc.TraceID().String())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Idempotency пропускает запрос через Guard. authorize вызывается первым: сохранённый
// ответ получает только тот, кто вправе разместить заказ сам. Без Idempotency-Key: 400.
func Idempotency(guard *idempotency.Guard, authorize func(domain.Caller) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if guard == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := CallerFromContext(r.Context())
			if authorize != nil {
				if err := authorize(caller); err != nil {
					writeError(w, err)
					return
				}
			}

			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" {
				writeError(w, domain.ErrIdempotencyKeyRequired)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
					return
				}
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read request body"})
				return
			}
			_ = r.Body.Close()

			var recorded *bufferedWriter
			resp, err := guard.Intercept(r.Context(), key, idempotency.Request{
				Caller: caller.UserID,
				Method: r.Method,
				Path:   r.URL.Path,
				Body:   body,
			}, func(ctx context.Context) (idempotency.Response, error) {
				recorded = newBufferedWriter()
				req := r.WithContext(ctx)
				req.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(recorded, req)
				return idempotency.Response{
					Status:      recorded.status,
					ContentType: recorded.Header().Get("Content-Type"),
					Body:        recorded.body.Bytes(),
				}, nil
			})
			if err != nil {
				writeError(w, err)
				return
			}

			if recorded != nil {
				for name, values := range recorded.Header() {
					w.Header()[name] = values
				}
			}
			if resp.ContentType != "" {
				w.Header().Set("Content-Type", resp.ContentType)
			}
			if resp.Replayed {
				w.Header().Set(HeaderReplayed, "true")
			}
			w.WriteHeader(resp.Status)
			_, _ = w.Write(resp.Body)
		})
	}
}

// bufferedWriter копит ответ обработчика, чтобы Guard мог его сохранить.
type bufferedWriter struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.status = status
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}
