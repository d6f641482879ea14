package upstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// Envelope shapes, one per candidate path
const (
	ShapeRoot          types.EnvelopeShape = "root"
	ShapeData          types.EnvelopeShape = "data"
	ShapeDataItems     types.EnvelopeShape = "data.items"
	ShapeDataData      types.EnvelopeShape = "data.data"
	ShapeDataDataItems types.EnvelopeShape = "data.data.items"
	ShapeItems         types.EnvelopeShape = "items"
	ShapeProducts      types.EnvelopeShape = "products"
	ShapeDataProducts  types.EnvelopeShape = "data.products"
)

type envelopePath struct {
	shape types.EnvelopeShape
	keys  []string
}

// envelopePaths is probed in order; the first non-empty array of objects wins
var envelopePaths = []envelopePath{
	{ShapeRoot, nil},
	{ShapeData, []string{"data"}},
	{ShapeDataItems, []string{"data", "items"}},
	{ShapeDataData, []string{"data", "data"}},
	{ShapeDataDataItems, []string{"data", "data", "items"}},
	{ShapeItems, []string{"items"}},
	{ShapeProducts, []string{"products"}},
	{ShapeDataProducts, []string{"data", "products"}},
}

// ProbedPaths lists the candidate paths in priority order, for diagnostics
func ProbedPaths() []string {
	out := make([]string, len(envelopePaths))
	for i, p := range envelopePaths {
		out[i] = string(p.shape)
	}
	return out
}

// Envelope is the product array extracted from one upstream page
type Envelope struct {
	Shape   types.EnvelopeShape
	Records [][]byte // Raw JSON of each array element
}

// Empty reports whether the page carried no records
func (e Envelope) Empty() bool {
	return len(e.Records) == 0
}

// DetectEnvelope finds the page's product array. A path holding a non-empty
// array with at least one object wins. When none does, an empty array at a
// candidate path yields an empty page of that shape, and anything else
// yields an empty page with types.ShapeNone. Only malformed JSON is an error.
func DetectEnvelope(body []byte) (Envelope, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return Envelope{Shape: types.ShapeNone}, nil
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return Envelope{}, fmt.Errorf("response is not a JSON object or array")
	}

	emptyShape := types.ShapeNone
	for _, path := range envelopePaths {
		value, dataType, _, err := jsonparser.Get(body, path.keys...)
		if err != nil {
			if errors.Is(err, jsonparser.KeyPathNotFoundError) {
				continue
			}
			return Envelope{}, fmt.Errorf("probe %s: %w", path.shape, err)
		}
		if dataType != jsonparser.Array {
			continue
		}

		records, objects, err := arrayElements(value)
		if err != nil {
			return Envelope{}, fmt.Errorf("read %s: %w", path.shape, err)
		}
		if len(records) == 0 {
			if emptyShape == types.ShapeNone {
				emptyShape = path.shape
			}
			continue
		}
		if objects == 0 {
			continue
		}
		return Envelope{Shape: path.shape, Records: records}, nil
	}

	return Envelope{Shape: emptyShape}, nil
}

// arrayElements copies out every element of a JSON array and counts objects
func arrayElements(array []byte) ([][]byte, int, error) {
	var (
		records [][]byte
		objects int
		cbErr   error
	)
	_, err := jsonparser.ArrayEach(array, func(value []byte, dataType jsonparser.ValueType, _ int, err error) {
		if err != nil {
			cbErr = err
			return
		}
		if dataType == jsonparser.Object {
			objects++
		}
		raw := value
		if dataType == jsonparser.String {
			// ArrayEach strips quotes; keep the element valid JSON
			raw = []byte(`"` + string(value) + `"`)
		}
		records = append(records, append([]byte(nil), raw...))
	})
	if err != nil {
		return nil, 0, err
	}
	if cbErr != nil {
		return nil, 0, cbErr
	}
	return records, objects, nil
}
