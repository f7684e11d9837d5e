package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrUnknownType is returned by ParseClientMessage for message types the
// server does not accept.
var ErrUnknownType = errors.New("protocol: unknown client message type")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError lists the required fields an inbound event was missing.
type ValidationError struct {
	Type   string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: %s missing required fields: %s", e.Type, strings.Join(e.Fields, ", "))
}

// Validate checks the struct tags of a parsed client message. It returns a
// *ValidationError naming the offending JSON fields, or nil.
func Validate(msgType string, msg interface{}) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Type: msgType, Fields: []string{err.Error()}}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &ValidationError{Type: msgType, Fields: fields}
}
