package catalog

import "errors"

var (
	ErrProductNotFound = errors.New("product not found")
	ErrVariantNotFound = errors.New("product variant not found")
	// ErrStockUnderflow reports a decrement that would have gone negative and
	// was clamped at zero instead.
	ErrStockUnderflow = errors.New("stock underflow")
)

// Variant holds the stock tracked for one variant tag (e.g. a size).
type Variant struct {
	Tag   string `json:"tag"`
	Stock int    `json:"stock"`
}

type Product struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Price    float64   `json:"price"`
	Active   bool      `json:"active"`
	Variants []Variant `json:"variants"`
}

// StockChange is the result of one conditional decrement.
type StockChange struct {
	ProductName string
	Variant     string
	Requested   int
	Previous    int
	Current     int
}

// Clamped reports whether the decrement was cut short at zero.
func (c StockChange) Clamped() bool {
	return c.Previous < c.Requested
}
