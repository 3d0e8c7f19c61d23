package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"posledger/backend/internal/service"
)

const (
	maxJSONBody          = 1 << 20
	maxImportBody        = 10 << 20
	terminalHeader       = "X-Terminal-ID"
	maxTerminalIDLen     = 64
	idempotencyHeader    = "Idempotency-Key"
	maxIdempotencyKeyLen = 128
)

type Options struct {
	AllowedOrigin      string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	Logger             logrus.FieldLogger
}

type API struct {
	service  *service.Service
	validate *validator.Validate
	log      logrus.FieldLogger
	opts     Options
}

func New(svc *service.Service, opts Options) *API {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &API{
		service:  svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      opts.Logger.WithField("component", "http"),
		opts:     opts,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(a.recoverer)
	r.Use(a.secureHeaders())
	r.Use(a.cors)
	if a.opts.RateLimitPerMinute > 0 {
		r.Use(httprate.Limit(a.opts.RateLimitPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, errTooManyRequests)
			}),
		))
	}
	r.Use(middleware.Timeout(a.opts.RequestTimeout))
	r.Use(terminal)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", a.handleListProducts)
			r.Post("/", a.handleCreateProduct)
			r.Get("/{productID}", a.handleGetProduct)
			r.Get("/{productID}/stock", a.handleProductStock)
			r.Get("/{productID}/lots", a.handleProductLots)
		})
		r.Route("/suppliers", func(r chi.Router) {
			r.Get("/", a.handleListSuppliers)
			r.Post("/", a.handleCreateSupplier)
			r.Get("/{supplierID}/credits", a.handleSupplierCredits)
		})

		r.Post("/purchases", a.handleRecordPurchase)
		r.Post("/purchases/import", a.handleImportPurchase)
		r.Post("/purchase-returns", a.handlePurchaseReturn)

		r.Post("/packaging/resolve", a.handleResolvePackaging)
		r.Post("/weight/resolve", a.handleResolveWeight)
		r.Post("/pricing/quote", a.handleQuotePrice)

		r.Post("/checkout", a.handleCheckout)
		r.Get("/sales/{invoiceID}", a.handleLookupInvoice)
		r.Post("/sales/{invoiceID}/returns", a.handleProcessReturn)

		r.Get("/audit-logs", a.handleAuditLogs)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	return r
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)

		entry := a.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
			"remote_ip":   r.RemoteAddr,
		})
		if id := r.Header.Get(terminalHeader); id != "" {
			entry = entry.WithField("terminal_id", id)
		}
		switch {
		case ww.Status() >= 500:
			entry.Error("request failed")
		case ww.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request served")
		}
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			a.log.WithFields(logrus.Fields{
				"panic":      rec,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			}).Error("handler panicked")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) secureHeaders() func(http.Handler) http.Handler {
	sec := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sec.Process(w, r); err != nil {
				a.log.WithError(err).WithField("path", r.URL.Path).Warn("secure headers blocked request")
				writeError(w, http.StatusBadRequest, err)
				return
			}
			w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+terminalHeader+", "+idempotencyHeader+", X-Request-Id")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// terminal puts the calling terminal into the request context for audit
// entries. It identifies a till, it does not authenticate one.
func terminal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(terminalHeader))
		if len(id) > maxTerminalIDLen {
			writeError(w, http.StatusBadRequest, errTerminalTooLong)
			return
		}
		if id != "" {
			r = r.WithContext(service.WithTerminal(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
