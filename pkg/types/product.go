package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StockStatus is derived from the available quantity and never stored.
type StockStatus string

const (
	InStock    StockStatus = "IN_STOCK"
	LowStock   StockStatus = "LOW_STOCK"
	OutOfStock StockStatus = "OUT_OF_STOCK"
)

// DefaultLowWaterMark is the quantity at or below which stock counts as low.
const DefaultLowWaterMark = 10

// StockStatusFor derives the stock status for an available quantity.
// 0 is OUT_OF_STOCK, 1..lowWaterMark is LOW_STOCK, anything above is IN_STOCK.
func StockStatusFor(available, lowWaterMark int64) StockStatus {
	switch {
	case available <= 0:
		return OutOfStock
	case available <= lowWaterMark:
		return LowStock
	default:
		return InStock
	}
}

// Label returns a human readable label for display
func (s StockStatus) Label() string {
	switch s {
	case InStock:
		return "In stock"
	case LowStock:
		return "Low stock"
	case OutOfStock:
		return "Out of stock"
	default:
		return "Unknown"
	}
}

// Product is a catalog entry keyed by the upstream business system's identifier.
type Product struct {
	// Identity
	ID string `json:"id"`

	// Descriptive
	Name     string   `json:"name"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Commercial
	Price decimal.Decimal `json:"price"`

	// Inventory
	Available int64 `json:"available"`
	Active    bool  `json:"active"`

	// Search
	Embedding   []float32  `json:"-"`
	EmbeddedAt  *time.Time `json:"embedded_at,omitempty"`
	ContentHash string     `json:"-"` // Hash of DescriptiveText, drives re-embedding

	// Provenance
	SyncedAt      time.Time `json:"synced_at,omitempty"`
	SourceVersion string    `json:"source_version,omitempty"` // Sync run that last saw this product
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// DescriptiveText is the text that gets embedded. A change here means the
// embedding has to be recomputed.
func (p *Product) DescriptiveText() string {
	parts := make([]string, 0, 2+len(p.Tags))
	parts = append(parts, strings.TrimSpace(p.Name))
	if c := strings.TrimSpace(p.Category); c != "" {
		parts = append(parts, c)
	}
	for _, tag := range p.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			parts = append(parts, tag)
		}
	}
	return strings.Join(parts, " | ")
}

// ComputeContentHash returns the SHA-256 of DescriptiveText as hex.
func (p *Product) ComputeContentHash() string {
	h := sha256.Sum256([]byte(p.DescriptiveText()))
	return hex.EncodeToString(h[:])
}

// HasEmbedding reports whether the product is eligible for vector search
func (p *Product) HasEmbedding() bool {
	return len(p.Embedding) > 0
}

// StockStatus derives the stock status using the given low-water mark
func (p *Product) StockStatus(lowWaterMark int64) StockStatus {
	return StockStatusFor(p.Available, lowWaterMark)
}

// Validate checks the invariants every stored product must satisfy
func (p *Product) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrMissingProductID
	}
	if strings.TrimSpace(p.Name) == "" {
		return ErrMissingProductName
	}
	if p.Price.IsNegative() {
		return ErrNegativePrice
	}
	if p.Available < 0 {
		return ErrNegativeQuantity
	}
	return nil
}

// SameListing reports whether two products carry identical descriptive,
// commercial and inventory fields. Embeddings and provenance are ignored.
func (p *Product) SameListing(other *Product) bool {
	if other == nil {
		return false
	}
	if p.ID != other.ID || p.Name != other.Name || p.Category != other.Category {
		return false
	}
	if len(p.Tags) != len(other.Tags) {
		return false
	}
	for i := range p.Tags {
		if p.Tags[i] != other.Tags[i] {
			return false
		}
	}
	return p.Price.Equal(other.Price) && p.Available == other.Available && p.Active == other.Active
}

// Clone returns a deep copy of the product
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	c := *p
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	if p.Embedding != nil {
		c.Embedding = append([]float32(nil), p.Embedding...)
	}
	if p.EmbeddedAt != nil {
		t := *p.EmbeddedAt
		c.EmbeddedAt = &t
	}
	return &c
}
