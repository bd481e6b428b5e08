package invoices

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeTotals prices items and applies discount
func ComputeTotals(items []ItemInput, discount decimal.Decimal) (Totals, error) {
	if discount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: discount must not be negative", ErrInvalidDiscount)
	}

	t := Totals{Lines: make([]decimal.Decimal, len(items))}
	subtotal := decimal.Zero
	tax := decimal.Zero
	for i, item := range items {
		line := item.Quantity.Mul(item.UnitPrice)
		t.Lines[i] = line.Round(2)
		subtotal = subtotal.Add(line)
		tax = tax.Add(line.Mul(item.TaxRate).Div(hundred))
	}

	t.Subtotal = subtotal.Round(2)
	t.Discount = discount.Round(2)
	t.Tax = tax.Round(2)
	if t.Discount.GreaterThan(t.Subtotal) {
		return Totals{}, fmt.Errorf("%w: discount %s exceeds subtotal %s", ErrInvalidDiscount, t.Discount, t.Subtotal)
	}
	t.Total = t.Subtotal.Sub(t.Discount).Add(t.Tax)
	return t, nil
}
