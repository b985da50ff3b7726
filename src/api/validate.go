package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"circles/src/apperr"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// trimmer is implemented by payloads whose string fields are normalized
// before validation.
type trimmer interface {
	trim()
}

// validateStruct runs the struct's validate tags and folds every failure into
// one validation error.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Invalid("invalid payload")
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, field+" must be at least "+fe.Param())
		case "max":
			messages = append(messages, field+" must be at most "+fe.Param())
		case "oneof":
			messages = append(messages, field+" must be one of: "+fe.Param())
		default:
			messages = append(messages, field+" is invalid")
		}
	}
	return apperr.Invalid("%s", strings.Join(messages, ", "))
}

// decodeBody reads a JSON body into dst and validates it. An empty body is
// treated as an empty object.
func decodeBody(req *http.Request, dst any) error {
	if req.Body != nil && req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
			return apperr.Invalid("invalid payload")
		}
	}
	if t, ok := dst.(trimmer); ok {
		t.trim()
	}
	return validateStruct(dst)
}
