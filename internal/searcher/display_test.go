package searcher

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDisplayFormatter_Price(t *testing.T) {
	tests := []struct {
		name     string
		symbol   string
		decimals int32
		price    string
		want     string
	}{
		{"grouped tugrik", "₮", 0, "12500", "12,500₮"},
		{"rounds half up", "₮", 0, "2499.5", "2,500₮"},
		{"small", "₮", 0, "900", "900₮"},
		{"millions", "₮", 0, "1250000", "1,250,000₮"},
		{"two decimals", "$", 2, "1234.5", "1,234.50$"},
		{"zero", "₮", 0, "0", "0₮"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDisplayFormatter(tt.symbol, tt.decimals)
			assert.Equal(t, tt.want, f.Price(decimal.RequireFromString(tt.price)))
		})
	}
}
