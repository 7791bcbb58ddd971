package engine

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/ledger-engine/ledger"
)

var validate = newValidator()

// newValidator reports field errors by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct runs struct tags and converts the first failure into a
// *ledger.ValidationError.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return ledger.NewValidationError("", err.Error())
	}
	fe := fieldErrs[0]
	return ledger.NewValidationError(fieldPath(fe), fieldMessage(fe))
}

// fieldPath drops the struct name from the namespace: "Expense.notes" -> "notes".
func fieldPath(fe validator.FieldError) string {
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		return rest
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "needs at least " + fe.Param() + " item(s)"
	case "nefield":
		return "source and destination must differ"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
