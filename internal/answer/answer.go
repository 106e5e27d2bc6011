// Package answer maps questionnaire answers onto the four storage slots of a
// response row (text, numeric, boolean, array) and back.
package answer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"assessment/api/internal/store"
)

type InputType string

const (
	TextOpen       InputType = "text-open"
	Numeric        InputType = "numeric"
	NumericOpen    InputType = "numeric-open"
	Checkbox       InputType = "checkbox"
	MultipleChoice InputType = "multiple-choice"
	FileUpload     InputType = "file-upload"
)

// Value is one decoded answer: Text, Number, Boolean, List or Structured.
// A nil Value is an empty answer.
type Value interface {
	Slots() (store.ValueSlots, error)
}

type Text string

type Number float64

type Boolean bool

type List []any

// Structured is a numeric-open object answer. The number and the URL/text
// part are projected into their own slots while the whole object is kept so
// it reads back unchanged.
type Structured struct {
	Number *float64
	Text   *string
	Object map[string]any
}

func (v Text) Slots() (store.ValueSlots, error) {
	text := string(v)
	return store.ValueSlots{Text: &text}, nil
}

func (v Number) Slots() (store.ValueSlots, error) {
	number := float64(v)
	return store.ValueSlots{Numeric: &number}, nil
}

func (v Boolean) Slots() (store.ValueSlots, error) {
	flag := bool(v)
	return store.ValueSlots{Boolean: &flag}, nil
}

func (v List) Slots() (store.ValueSlots, error) {
	items := []any(v)
	if items == nil {
		items = []any{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return store.ValueSlots{}, fmt.Errorf("encode list answer: %w", err)
	}
	return store.ValueSlots{Array: raw}, nil
}

func (v Structured) Slots() (store.ValueSlots, error) {
	raw, err := json.Marshal(v.Object)
	if err != nil {
		return store.ValueSlots{}, fmt.Errorf("encode structured answer: %w", err)
	}
	return store.ValueSlots{Text: v.Text, Numeric: v.Number, Array: raw}, nil
}

var (
	numericOpenNumberKeys = []string{"answer", "value", "number", "numericValue"}
	numericOpenTextKeys   = []string{"url", "link", "text", "textValue"}
)

// Parse picks the variant for raw according to the question's input type.
// Unknown input types store the stringified value as text.
func Parse(inputType InputType, raw any) Value {
	if raw == nil {
		return nil
	}
	switch inputType {
	case Numeric:
		if number, ok := parseNumber(raw); ok {
			return Number(number)
		}
		return nil
	case NumericOpen:
		if object, ok := raw.(map[string]any); ok {
			structured := Structured{Object: object}
			for _, key := range numericOpenNumberKeys {
				if number, ok := parseNumber(object[key]); ok {
					structured.Number = &number
					break
				}
			}
			for _, key := range numericOpenTextKeys {
				if text, ok := object[key].(string); ok && text != "" {
					structured.Text = &text
					break
				}
			}
			return structured
		}
		if number, ok := parseNumber(raw); ok {
			return Number(number)
		}
		return nil
	case Checkbox:
		if items, ok := asList(raw); ok {
			return List(items)
		}
		if flag, ok := parseBool(raw); ok {
			return Boolean(flag)
		}
		return Boolean(truthy(raw))
	case MultipleChoice, FileUpload:
		if items, ok := asList(raw); ok {
			return List(items)
		}
		return List{raw}
	default:
		return Text(stringify(raw))
	}
}

// Encode is Parse followed by Slots; an empty answer yields empty slots.
func Encode(inputType InputType, raw any) (store.ValueSlots, error) {
	value := Parse(inputType, raw)
	if value == nil {
		return store.ValueSlots{}, nil
	}
	return value.Slots()
}

// Decode rebuilds the answer from stored slots. An object in the array slot
// is a structured backup and wins; then a list; then text, numeric and
// boolean in that order.
func Decode(slots store.ValueSlots) any {
	var array any
	if len(slots.Array) > 0 {
		if err := json.Unmarshal(slots.Array, &array); err != nil {
			array = nil
		}
	}
	if object, ok := array.(map[string]any); ok {
		return object
	}
	if items, ok := array.([]any); ok {
		return items
	}
	switch {
	case slots.Text != nil:
		return *slots.Text
	case slots.Numeric != nil:
		return *slots.Numeric
	case slots.Boolean != nil:
		return *slots.Boolean
	case array != nil:
		return array
	}
	return nil
}

// Known reports whether the input type has a dedicated slot mapping.
func Known(inputType InputType) bool {
	switch inputType {
	case TextOpen, Numeric, NumericOpen, Checkbox, MultipleChoice, FileUpload:
		return true
	}
	return false
}

func parseNumber(raw any) (float64, bool) {
	var number float64
	switch v := raw.(type) {
	case float64:
		number = v
	case float32:
		number = float64(v)
	case int:
		number = float64(v)
	case int64:
		number = float64(v)
	case int32:
		number = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		number = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		number = parsed
	default:
		return 0, false
	}
	if math.IsNaN(number) || math.IsInf(number, 0) {
		return 0, false
	}
	return number, true
}

func parseBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, false
		}
		return parsed, true
	}
	if number, ok := parseNumber(raw); ok {
		return number != 0, true
	}
	return false, false
}

// truthy treats a blank string as false and any other present value as true.
func truthy(raw any) bool {
	if text, ok := raw.(string); ok {
		return strings.TrimSpace(text) != ""
	}
	return raw != nil
}

func asList(raw any) ([]any, bool) {
	switch v := raw.(type) {
	case []any:
		return v, true
	case []string:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = item
		}
		return items, true
	}
	return nil, false
}

func stringify(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(encoded)
}
