package searcher

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// displayFormatter renders prices for the chat layer, e.g. "12,500₮"
type displayFormatter struct {
	tag      language.Tag
	symbol   string
	decimals int32
}

func newDisplayFormatter(symbol string, decimals int32) displayFormatter {
	return displayFormatter{tag: language.English, symbol: symbol, decimals: decimals}
}

// Price rounds to the configured decimals and groups thousands
func (f displayFormatter) Price(price decimal.Decimal) string {
	rounded := price.Round(f.decimals).InexactFloat64()
	p := message.NewPrinter(f.tag)
	return p.Sprintf("%.*f", int(f.decimals), rounded) + f.symbol
}
