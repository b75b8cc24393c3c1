package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultAssetIDField is where resumable video APIs put the created id.
const DefaultAssetIDField = "id"

// ResolveAssetID extracts the destination-assigned identifier from the body of
// a terminal upload reply. field is a dotted path into the JSON document, e.g.
// "id" or "resource.id".
func ResolveAssetID(body []byte, field string) (string, error) {
	const op = "resolve completion"
	if field == "" {
		field = DefaultAssetIDField
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", &TransferError{Kind: ErrMalformedCompletion, Op: op, Err: err, Body: string(body)}
	}

	node := doc
	for _, key := range strings.Split(field, ".") {
		obj, ok := node.(map[string]any)
		if !ok {
			return "", missingField(op, field, body)
		}
		if node, ok = obj[key]; !ok {
			return "", missingField(op, field, body)
		}
	}

	switch v := node.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case json.Number:
		return v.String(), nil
	}
	return "", missingField(op, field, body)
}

func missingField(op, field string, body []byte) error {
	return &TransferError{
		Kind: ErrMalformedCompletion,
		Op:   op,
		Err:  fmt.Errorf("field %q absent or empty", field),
		Body: string(body),
	}
}
