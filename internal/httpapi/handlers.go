package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/importer"
	"posledger/backend/internal/service"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleProductStock(w http.ResponseWriter, r *http.Request) {
	stock, err := a.service.GetAvailableStock(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

func (a *API) handleProductLots(w http.ResponseWriter, r *http.Request) {
	lots, err := a.service.ListLots(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

func (a *API) handleListSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, err := a.service.ListSuppliers(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": suppliers})
}

func (a *API) handleCreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req domain.SupplierCreateRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	supplier, err := a.service.CreateSupplier(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"supplier": supplier})
}

func (a *API) handleSupplierCredits(w http.ResponseWriter, r *http.Request) {
	credits, err := a.service.SupplierCreditBalance(r.Context(), chi.URLParam(r, "supplierID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credits)
}

func (a *API) handleRecordPurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	purchase, err := a.service.RecordPurchase(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase": purchase})
}

// handleImportPurchase accepts a multipart form with an xlsx "file" and
// optional supplier_id and reference fields.
func (a *API) handleImportPurchase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBody)
	if err := r.ParseMultipartForm(maxImportBody); err != nil {
		a.fail(w, r, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, _, err := r.FormFile("file")
	if err != nil {
		a.fail(w, r, fmt.Errorf("%w: file is required", service.ErrInvalidRequest))
		return
	}
	defer file.Close()

	rows, err := importer.ParsePurchaseSheet(file)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	purchase, err := a.service.ImportPurchase(r.Context(),
		strings.TrimSpace(r.FormValue("supplier_id")),
		strings.TrimSpace(r.FormValue("reference")),
		rows,
	)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchase": purchase, "rows": len(rows)})
}

func (a *API) handlePurchaseReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseReturnRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.service.RecordPurchaseReturn(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleResolvePackaging(w http.ResponseWriter, r *http.Request) {
	var req domain.PackagingRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.service.ResolvePackaging(req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleResolveWeight(w http.ResponseWriter, r *http.Request) {
	var req domain.WeightRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.service.ResolveWeight(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleQuotePrice(w http.ResponseWriter, r *http.Request) {
	var req domain.PriceQuoteRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.service.QuotePrice(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCheckout also honours an Idempotency-Key header when the body does
// not carry a key.
func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if len(key) > maxIdempotencyKeyLen {
			a.fail(w, r, errIdempotencyLong)
			return
		}
		req.IdempotencyKey = key
	}

	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleLookupInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.LookupInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (a *API) handleProcessReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := a.decodeAndValidate(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	invoiceID := chi.URLParam(r, "invoiceID")
	if req.InvoiceID != "" && req.InvoiceID != invoiceID {
		a.fail(w, r, fmt.Errorf("%w: invoice_id does not match the path", service.ErrInvalidRequest))
		return
	}
	req.InvoiceID = invoiceID

	resp, err := a.service.ProcessReturn(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)

	logs, err := a.service.ListAuditLogs(r.Context(), date, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}
