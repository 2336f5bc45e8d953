package network

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/c360/rtstreams/errors"
	"github.com/c360/rtstreams/pipeline"
)

// ParseFunc decodes one received buffer into an item
type ParseFunc[T any] func(data []byte) (T, error)

// EncodeFunc encodes one item into the bytes put on the wire
type EncodeFunc[T any] func(item T) ([]byte, error)

// ParseText decodes data as UTF-8 text
func ParseText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", errors.ErrInvalidData)
	}
	return string(data), nil
}

// ParseBytes returns data unchanged
func ParseBytes(data []byte) ([]byte, error) {
	return data, nil
}

// EncodeText encodes item as the UTF-8 text of its string form.
// Byte slices are sent as they are.
func EncodeText[T any](item T) ([]byte, error) {
	switch v := any(item).(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

// ParseJSON returns a ParseFunc that unmarshals JSON into T
func ParseJSON[T any]() ParseFunc[T] {
	return func(data []byte) (T, error) {
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return item, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
		return item, nil
	}
}

// EncodeJSON marshals item as JSON
func EncodeJSON[T any](item T) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrEncodeFailed, err)
	}
	return data, nil
}

// Decode runs parse on data and classifies a failure as invalid input, so the
// stage drops the item and keeps running. ErrSkip passes through.
func Decode[T any](parse ParseFunc[T], data []byte, stage string) (T, error) {
	item, err := parse(data)
	if err == nil || errors.Is(err, pipeline.ErrSkip) {
		return item, err
	}
	if !errors.Is(err, errors.ErrParsingFailed) && !errors.Is(err, errors.ErrInvalidData) {
		err = fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return item, errors.WrapInvalid(err, stage, "Decode", "parse payload")
}

// Encode runs encode on item and classifies a failure as invalid input.
func Encode[T any](encode EncodeFunc[T], item T, stage string) ([]byte, error) {
	data, err := encode(item)
	if err == nil || errors.Is(err, pipeline.ErrSkip) {
		return data, err
	}
	if !errors.Is(err, errors.ErrEncodeFailed) {
		err = fmt.Errorf("%w: %v", errors.ErrEncodeFailed, err)
	}
	return nil, errors.WrapInvalid(err, stage, "Encode", "encode item")
}

// TextParser returns parse, or ParseText when parse is nil and T is string
func TextParser[T any](parse ParseFunc[T], stage string) (ParseFunc[T], error) {
	if parse != nil {
		return parse, nil
	}
	if p, ok := any(ParseFunc[string](ParseText)).(ParseFunc[T]); ok {
		return p, nil
	}
	return nil, errors.WrapFatal(errors.ErrInvalidConfig, stage, "TextParser", "choose parser for non-string item")
}

// TextEncoder returns encode, or EncodeText when encode is nil
func TextEncoder[T any](encode EncodeFunc[T]) EncodeFunc[T] {
	if encode != nil {
		return encode
	}
	return EncodeText[T]
}
