package delivery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// maxNumberMagnitude bounds the decimal magnitude of numbers so "1e999999" cannot expand
// into a huge digit string.
const maxNumberMagnitude = 400

// marshalCanonical encodes a decoded JSON value so that semantically equal documents
// produce equal bytes: object keys sorted by UTF-16 code units, NFC strings without
// HTML escaping, numbers in shortest decimal form.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// canonicalPayload decodes raw and encodes it canonically.
func canonicalPayload(raw []byte) ([]byte, error) {
	value, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}

	return marshalCanonical(value)
}

func decodeJSON(raw []byte) (any, error) {
	// The decoder replaces invalid bytes with U+FFFD, which would merge distinct payloads.
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}

	return value, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return writeCanonicalNumber(buf, val)
	case string:
		return writeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return writeCanonicalObject(buf, val)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidPayload, v)
	}

	return nil
}

func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return fmt.Errorf("%w: number %q: %v", ErrInvalidPayload, n, err)
	}
	if mag := int(d.Exponent()) + d.NumDigits() - 1; !d.IsZero() && (mag > maxNumberMagnitude || mag < -maxNumberMagnitude) {
		return fmt.Errorf("%w: number %q out of range", ErrInvalidPayload, n)
	}
	buf.WriteString(d.String())

	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))

	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	normalized := make(map[string]any, len(obj))
	keys := make([]string, 0, len(obj))
	for k, v := range obj {
		nk := norm.NFC.String(k)
		if _, dup := normalized[nk]; dup {
			return fmt.Errorf("%w: duplicate key %q after normalization", ErrInvalidPayload, nk)
		}
		normalized[nk] = v
		keys = append(keys, nk)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, normalized[k]); err != nil {
			return fmt.Errorf("%q: %w", k, err)
		}
	}
	buf.WriteByte('}')

	return nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}

	return len(ua) < len(ub)
}
