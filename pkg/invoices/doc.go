// Package invoices creates invoices behind the create_invoice entitlement.
//
// Totals are computed with shopspring/decimal and rounded to cents:
//
//	subtotal = sum(quantity * unit_price)
//	tax      = sum(quantity * unit_price * tax_rate / 100)
//	total    = subtotal - discount + tax
//
// Service.Create reserves the usage slot, writes the invoice and its items in
// one transaction, then commits the reservation, or releases it if the write
// failed.
package invoices
