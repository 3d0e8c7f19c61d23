// Package importer reads purchase spreadsheets into purchase lines.
package importer

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/ledger"
)

var ErrInvalidSheet = errors.New("invalid purchase sheet")

var headerAliases = map[string]string{
	"product id":        "product_id",
	"product":           "product_id",
	"sku":               "product_id",
	"barcode":           "barcode",
	"ean":               "barcode",
	"quantity":          "quantity",
	"qty":               "quantity",
	"purchase price":    "purchase_price",
	"cost":              "purchase_price",
	"cost price":        "purchase_price",
	"retail price":      "retail_price",
	"price":             "retail_price",
	"sell price":        "retail_price",
	"wholesale price":   "wholesale_price",
	"wholesale min qty": "wholesale_min_qty",
	"wholesale min":     "wholesale_min_qty",
	"box price":         "box_price",
	"pieces per box":    "pieces_per_box",
	"pcs per box":       "pieces_per_box",
	"packaging":         "packaging",
	"package":           "packaging",
	"cartons":           "cartons",
	"boxes per carton":  "boxes_per_carton",
	"boxes":             "boxes",
	"count":             "count",
	"pieces per item":   "pieces_per_item",
}

var decimalColumns = []string{
	"quantity", "purchase_price", "retail_price", "wholesale_price", "wholesale_min_qty",
	"box_price", "pieces_per_box", "cartons", "boxes_per_carton", "boxes", "count", "pieces_per_item",
}

// ParsePurchaseSheet reads the first sheet of an xlsx workbook. The first row
// is the header; blank rows are skipped. Each row names its product by
// product id or barcode and gives either a quantity or a packaging kind with
// its counts.
func ParsePurchaseSheet(reader io.Reader) ([]domain.PurchaseImportRow, error) {
	file, err := excelize.OpenReader(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrInvalidSheet, err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidSheet)
	}
	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read rows: %v", ErrInvalidSheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: sheet is empty", ErrInvalidSheet)
	}

	cols := mapColumns(rows[0])
	_, hasID := cols["product_id"]
	_, hasBarcode := cols["barcode"]
	if !hasID && !hasBarcode {
		return nil, fmt.Errorf("%w: missing product_id or barcode column", ErrInvalidSheet)
	}
	if _, ok := cols["retail_price"]; !ok {
		return nil, fmt.Errorf("%w: missing retail_price column", ErrInvalidSheet)
	}
	_, hasQty := cols["quantity"]
	_, hasPackaging := cols["packaging"]
	if !hasQty && !hasPackaging {
		return nil, fmt.Errorf("%w: missing quantity or packaging column", ErrInvalidSheet)
	}

	result := make([]domain.PurchaseImportRow, 0, len(rows)-1)
	for index := 1; index < len(rows); index++ {
		cells := rows[index]
		rowNo := index + 1
		if blank(cells) {
			continue
		}

		values := make(map[string]decimal.Decimal, len(decimalColumns))
		for _, name := range decimalColumns {
			idx, ok := cols[name]
			if !ok {
				continue
			}
			v, err := parseDecimal(readCell(cells, idx))
			if err != nil {
				return nil, fmt.Errorf("%w: row %d invalid %s: %v", ErrInvalidSheet, rowNo, name, err)
			}
			values[name] = v
		}

		row := domain.PurchaseImportRow{
			Row:     rowNo,
			Barcode: strings.TrimSpace(readCell(cells, indexOr(cols, "barcode"))),
			Line: domain.PurchaseLineRequest{
				ProductID:       strings.TrimSpace(readCell(cells, indexOr(cols, "product_id"))),
				Quantity:        values["quantity"],
				PurchasePrice:   values["purchase_price"],
				RetailPrice:     values["retail_price"],
				WholesalePrice:  values["wholesale_price"],
				WholesaleMinQty: values["wholesale_min_qty"],
				BoxPrice:        values["box_price"],
				PiecesPerBox:    values["pieces_per_box"],
			},
		}
		if row.Line.ProductID == "" && row.Barcode == "" {
			return nil, fmt.Errorf("%w: row %d has neither product_id nor barcode", ErrInvalidSheet, rowNo)
		}

		if raw := strings.TrimSpace(readCell(cells, indexOr(cols, "packaging"))); raw != "" {
			kind, err := ledger.ParsePackagingKind(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: %v", ErrInvalidSheet, rowNo, err)
			}
			row.Line.Packaging = &domain.Packaging{Kind: kind, PackagingInputs: ledger.PackagingInputs{
				Cartons:        values["cartons"],
				BoxesPerCarton: values["boxes_per_carton"],
				Boxes:          values["boxes"],
				PiecesPerBox:   values["pieces_per_box"],
				Count:          values["count"],
				PiecesPerItem:  values["pieces_per_item"],
			}}
		}
		result = append(result, row)
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w: sheet has no data rows", ErrInvalidSheet)
	}
	return result, nil
}

func mapColumns(header []string) map[string]int {
	mapped := make(map[string]int)
	for idx, col := range header {
		canonical, ok := headerAliases[normalizeHeader(col)]
		if !ok {
			continue
		}
		if _, exists := mapped[canonical]; !exists {
			mapped[canonical] = idx
		}
	}
	return mapped
}

func normalizeHeader(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "\ufeff")
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", " ")
	return strings.Join(strings.Fields(value), " ")
}

func indexOr(cols map[string]int, name string) int {
	if idx, ok := cols[name]; ok {
		return idx
	}
	return -1
}

func readCell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseDecimal accepts thousands separators. An empty cell is zero.
func parseDecimal(raw string) (decimal.Decimal, error) {
	value := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if value == "" {
		return decimal.Zero, nil
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number")
	}
	return parsed, nil
}
