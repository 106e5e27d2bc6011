package app

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// FieldError is one failed validation rule, named by its JSON field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

type inputValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func newInputValidator() *inputValidator {
	english := en.New()
	translator, _ := ut.New(english, english).GetTranslator("en")

	validate := validator.New()
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &inputValidator{validate: validate, translator: translator}
}

// Check returns a VALIDATION_FAILED DomainError listing every failed field.
func (v *inputValidator) Check(input any) error {
	err := v.validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make([]FieldError, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		details = append(details, FieldError{
			Field: fieldPath(fieldErr.Namespace()),
			Error: fieldErr.Translate(v.translator),
		})
	}
	return domainError(http.StatusBadRequest, "VALIDATION_FAILED", "invalid input", details)
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}
