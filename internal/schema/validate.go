// Package schema validates request payloads against embedded JSON Schema
// documents before they are decoded into domain types.
package schema

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed settings.schema.json
var settingsSchema []byte

var printer = message.NewPrinter(language.English)

// ErrInvalid is returned when a payload does not match its schema.
var ErrInvalid = errors.New("invalid payload")

// Validator holds the compiled schemas.
type Validator struct {
	once     sync.Once
	settings *jsonschema.Schema
	err      error
}

// NewValidator creates a Validator. Schemas are compiled on first use.
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) compile() {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(settingsSchema))
	if err != nil {
		v.err = fmt.Errorf("failed to unmarshal schema: %w", err)
		return
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("settings.schema.json", doc); err != nil {
		v.err = fmt.Errorf("failed to add resource: %w", err)
		return
	}
	v.settings, v.err = c.Compile("settings.schema.json")
}

// ValidateSettings checks a raw settings request body.
func (v *Validator) ValidateSettings(body []byte) error {
	v.once.Do(v.compile)
	if v.err != nil {
		return fmt.Errorf("failed to compile settings schema: %w", v.err)
	}

	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON", ErrInvalid)
	}
	if err := v.settings.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrInvalid, describe(ve))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// describe reports the first leaf failure as "path: message".
func describe(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := "/"
	if len(ve.InstanceLocation) > 0 {
		loc = ""
		for _, seg := range ve.InstanceLocation {
			loc += "/" + seg
		}
	}
	return fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(printer))
}
