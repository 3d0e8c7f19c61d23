package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/xid"
)

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}

	unit, ok := ledger.ParseUnit(req.BaseUnit)
	if !ok || !unit.IsBase() {
		return domain.Product{}, fmt.Errorf("%w: base_unit must be pcs or kg", ErrInvalidRequest)
	}

	product := domain.Product{
		ID:          xid.New("prd"),
		Name:        req.Name,
		Barcode:     strings.TrimSpace(req.Barcode),
		Category:    strings.TrimSpace(req.Category),
		SubCategory: strings.TrimSpace(req.SubCategory),
		Brand:       strings.TrimSpace(req.Brand),
		BaseUnit:    unit,
		CreatedAt:   s.now(),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,base_unit=%s", created.Name, created.BaseUnit))
	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Supplier{}, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}

	created, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		ID:        xid.New("sup"),
		Name:      req.Name,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Supplier{}, err
	}

	s.logAudit(ctx, "supplier_create", "supplier", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}
