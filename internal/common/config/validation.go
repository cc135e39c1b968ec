package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Validate checks the validate tags of config and returns one error per failing field.
func Validate(config interface{}) error {
	err := validator.New().Struct(config)
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var result *multierror.Error
	for _, fieldErr := range validationErrors {
		result = multierror.Append(result, describe(fieldErr))
	}
	return result.ErrorOrNil()
}

func describe(err validator.FieldError) error {
	field := stripPrefix(err.Namespace())
	switch err.Tag() {
	case "required":
		return fmt.Errorf("field %s is required but was not found", field)
	case "required_if":
		return fmt.Errorf("field %s is required when %s", field, err.Param())
	case "oneof":
		return fmt.Errorf("field %s must be one of [%s], got %v", field, err.Param(), err.Value())
	case "min", "gte", "gt":
		return fmt.Errorf("field %s must be at least %s, got %v", field, err.Param(), err.Value())
	case "max", "lte", "lt":
		return fmt.Errorf("field %s must be at most %s, got %v", field, err.Param(), err.Value())
	default:
		return fmt.Errorf("field %s has invalid value %v: %s", field, err.Value(), err.Tag())
	}
}

func LogValidationErrors(err error) {
	if err == nil {
		return
	}
	var merr *multierror.Error
	if m, ok := err.(*multierror.Error); ok {
		merr = m
	} else {
		merr = multierror.Append(merr, err)
	}
	for _, e := range merr.Errors {
		log.Errorf("ConfigError: %v", e)
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
