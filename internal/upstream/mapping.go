package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// Field aliases seen across upstream deployments, matched case-insensitively
var (
	idFields        = []string{"id", "productid", "product_id", "code", "sku"}
	nameFields      = []string{"name", "productname", "product_name", "title"}
	categoryFields  = []string{"category", "categoryname", "category_name"}
	tagFields       = []string{"tags", "keywords"}
	priceFields     = []string{"price", "saleprice", "sale_price", "unitprice", "unit_price"}
	availableFields = []string{"available", "quantity", "qty", "stock", "balance"}
	activeFields    = []string{"active", "isactive", "is_active"}
	deletedFields   = []string{"deleted", "isdeleted", "is_deleted"}
)

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// MapRecord converts one raw upstream record into a Product. Every error
// wraps types.ErrSyncRecord; the caller skips the record and counts it.
// Negative quantities are clamped to 0; negative prices and quantities
// beyond int64 are rejected.
func MapRecord(raw []byte) (*types.Product, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrSyncRecord, err)
	}

	p := &types.Product{Active: true}

	p.ID = strings.TrimSpace(stringField(fields, idFields))
	if p.ID == "" {
		return nil, fmt.Errorf("%w: %w", types.ErrSyncRecord, types.ErrMissingProductID)
	}
	p.Name = strings.TrimSpace(stringField(fields, nameFields))
	if p.Name == "" {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrSyncRecord, p.ID, types.ErrMissingProductName)
	}
	p.Category = strings.TrimSpace(categoryField(fields))
	p.Tags = tagsField(fields)

	if v, ok := lookup(fields, priceFields); ok {
		price, err := toDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: price: %w", types.ErrSyncRecord, p.ID, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrSyncRecord, p.ID, types.ErrNegativePrice)
		}
		p.Price = price
	}

	if v, ok := lookup(fields, availableFields); ok {
		qty, err := toDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: quantity: %w", types.ErrSyncRecord, p.ID, err)
		}
		if qty.IsNegative() {
			qty = decimal.Zero
		}
		if qty.GreaterThan(maxQuantity) {
			return nil, fmt.Errorf("%w: %s: quantity %s out of range", types.ErrSyncRecord, p.ID, qty)
		}
		p.Available = qty.IntPart()
	}

	if v, ok := lookup(fields, activeFields); ok {
		p.Active = toBool(v, true)
	}
	if v, ok := lookup(fields, deletedFields); ok && toBool(v, false) {
		p.Active = false
	}

	return p, nil
}

// decodeObject decodes a JSON object keeping numbers exact, with lowercased keys
func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("record is not an object")
	}
	return lowerKeys(obj), nil
}

func lowerKeys(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		key := strings.ToLower(k)
		if _, exists := out[key]; exists && v == nil {
			continue
		}
		out[key] = v
	}
	return out
}

// lookup returns the first non-null value among the aliases
func lookup(fields map[string]interface{}, aliases []string) (interface{}, bool) {
	for _, name := range aliases {
		if v, ok := fields[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]interface{}, aliases []string) string {
	v, ok := lookup(fields, aliases)
	if !ok {
		return ""
	}
	return toString(v)
}

// categoryField accepts a plain value or an object with a name
func categoryField(fields map[string]interface{}) string {
	v, ok := lookup(fields, categoryFields)
	if !ok {
		return ""
	}
	if obj, isObj := v.(map[string]interface{}); isObj {
		return stringField(lowerKeys(obj), nameFields)
	}
	return toString(v)
}

// tagsField accepts an array or a comma separated string
func tagsField(fields map[string]interface{}) []string {
	v, ok := lookup(fields, tagFields)
	if !ok {
		return nil
	}

	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []interface{}:
		for _, item := range t {
			raw = append(raw, toString(item))
		}
	default:
		raw = []string{toString(v)}
	}

	seen := make(map[string]bool, len(raw))
	var tags []string
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case map[string]interface{}, []interface{}:
		return ""
	}
	return cast.ToString(v)
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	s := strings.TrimSpace(toString(v))
	if s == "" {
		return decimal.Zero, nil
	}
	s = strings.ReplaceAll(s, ",", "")
	return decimal.NewFromString(s)
}

// toBool understands booleans, "true"/"1"/"yes" style strings and numbers
func toBool(v interface{}, fallback bool) bool {
	s := strings.ToLower(strings.TrimSpace(toString(v)))
	switch s {
	case "":
		return fallback
	case "yes", "y":
		return true
	case "no", "n":
		return false
	}
	if b, err := cast.ToBoolE(s); err == nil {
		return b
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return !d.IsZero()
	}
	return fallback
}

// RecordID extracts just the identifier of a raw record, or "" when it has
// none. Used to keep track of records that failed mapping.
func RecordID(raw []byte) string {
	fields, err := decodeObject(raw)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(stringField(fields, idFields))
}
