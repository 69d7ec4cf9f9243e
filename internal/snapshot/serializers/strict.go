// Package serializers holds the snapshot serializers for recipes and
// production runs.
package serializers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// decodeStrict decodes exactly one JSON value into out, rejecting unknown
// fields, then applies struct validation tags.
func decodeStrict(data json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: trailing data after payload")
	}
	if err := structValidator().Struct(out); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}
