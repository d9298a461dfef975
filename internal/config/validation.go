package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

var ErrorInvalidOptions = errors.New("invalid options")

func newValidator() (*validator.Validate, error) {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	err := validate.RegisterValidation("logLevel", func(fl validator.FieldLevel) bool {
		_, err := log.ParseLevel(fl.Field().String())
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	err = validate.RegisterValidation("command", func(fl validator.FieldLevel) bool {
		return len(strings.Fields(os.ExpandEnv(fl.Field().String()))) > 0
	})
	if err != nil {
		return nil, err
	}
	return validate, nil
}

func validate(opts any) error {
	validate, err := newValidator()
	if err != nil {
		return fmt.Errorf("error registering option validation: %w", err)
	}
	err = validate.Struct(opts)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		problems := make([]string, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			problems = append(problems, describe(fieldErr))
		}
		return fmt.Errorf("%w: %s", ErrorInvalidOptions, strings.Join(problems, "; "))
	}
	return err
}

func describe(fieldErr validator.FieldError) string {
	// the namespace starts with the struct type name
	field := fieldErr.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if fieldErr.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", field, fieldErr.Tag(), fieldErr.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fieldErr.Tag())
}
