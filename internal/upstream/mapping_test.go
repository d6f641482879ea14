package upstream

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

func TestMapRecord(t *testing.T) {
	raw := `{
		"productId": 10452,
		"productName": " Парацетамол 500мг ",
		"category": {"name": "Өвдөлт намдаах"},
		"tags": ["fever", "pain", "fever"],
		"salePrice": "12,500.50",
		"quantity": 42.0,
		"isActive": "1"
	}`

	p, err := MapRecord([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "10452", p.ID)
	assert.Equal(t, "Парацетамол 500мг", p.Name)
	assert.Equal(t, "Өвдөлт намдаах", p.Category)
	assert.Equal(t, []string{"fever", "pain"}, p.Tags)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("12500.5")))
	assert.Equal(t, int64(42), p.Available)
	assert.True(t, p.Active)
}

func TestMapRecord_Aliases(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, p *types.Product)
	}{
		{
			name: "plain names",
			raw:  `{"id":"A1","name":"Aspirin","price":100,"available":3}`,
			check: func(t *testing.T, p *types.Product) {
				assert.Equal(t, "A1", p.ID)
				assert.Equal(t, int64(3), p.Available)
				assert.True(t, p.Active, "active by default")
			},
		},
		{
			name: "snake case and case-insensitive keys",
			raw:  `{"Product_ID":"B2","PRODUCT_NAME":"Vitamin C","unit_price":"5.5","QTY":"7","Tags":"vitamins, immune"}`,
			check: func(t *testing.T, p *types.Product) {
				assert.Equal(t, "B2", p.ID)
				assert.Equal(t, "Vitamin C", p.Name)
				assert.True(t, p.Price.Equal(decimal.RequireFromString("5.5")))
				assert.Equal(t, int64(7), p.Available)
				assert.Equal(t, []string{"vitamins", "immune"}, p.Tags)
			},
		},
		{
			name: "code and title",
			raw:  `{"code":"C3","title":"Bandage","stock":1}`,
			check: func(t *testing.T, p *types.Product) {
				assert.Equal(t, "C3", p.ID)
				assert.Equal(t, "Bandage", p.Name)
				assert.True(t, p.Price.IsZero())
			},
		},
		{
			name: "negative quantity clamps to zero",
			raw:  `{"id":"D4","name":"Syrup","balance":-5}`,
			check: func(t *testing.T, p *types.Product) {
				assert.Equal(t, int64(0), p.Available)
			},
		},
		{
			name: "inactive flag",
			raw:  `{"id":"E5","name":"Old","active":false}`,
			check: func(t *testing.T, p *types.Product) {
				assert.False(t, p.Active)
			},
		},
		{
			name: "delete flag wins",
			raw:  `{"id":"F6","name":"Gone","active":true,"isDeleted":1}`,
			check: func(t *testing.T, p *types.Product) {
				assert.False(t, p.Active)
			},
		},
		{
			name: "null falls through to next alias",
			raw:  `{"id":null,"productId":"G7","name":"Gauze"}`,
			check: func(t *testing.T, p *types.Product) {
				assert.Equal(t, "G7", p.ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := MapRecord([]byte(tt.raw))
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestMapRecord_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"missing id", `{"name":"Aspirin"}`, types.ErrMissingProductID},
		{"missing name", `{"id":"1"}`, types.ErrMissingProductName},
		{"blank name", `{"id":"1","name":"   "}`, types.ErrMissingProductName},
		{"negative price", `{"id":"1","name":"A","price":-1}`, types.ErrNegativePrice},
		{"unparseable price", `{"id":"1","name":"A","price":"cheap"}`, types.ErrSyncRecord},
		{"not an object", `"loose"`, types.ErrSyncRecord},
		{"invalid json", `{"id":`, types.ErrSyncRecord},
		{"quantity beyond int64", `{"id":"1","name":"A","quantity":"10000000000000000000"}`, types.ErrSyncRecord},
		{"numeric quantity beyond int64", `{"id":"1","name":"A","quantity":1e20}`, types.ErrSyncRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MapRecord([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrSyncRecord)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMapRecord_QuantityAtInt64Bound(t *testing.T) {
	p, err := MapRecord([]byte(`{"id":"1","name":"A","quantity":"9223372036854775807"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), p.Available)
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "77", RecordID([]byte(`{"productId":77,"price":-1}`)))
	assert.Equal(t, "", RecordID([]byte(`{"name":"x"}`)))
	assert.Equal(t, "", RecordID([]byte(`[1]`)))
}
