package validator

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrFieldRequired is returned when a required string field is empty
	ErrFieldRequired = errors.New("field is required")
	// ErrFieldTooLong is returned when a bounded string field exceeds its limit
	ErrFieldTooLong = errors.New("field exceeds maximum length")
	// ErrOutOfRange is returned when a numeric field is outside [Min, Max]
	ErrOutOfRange = errors.New("field out of range")
)

// Validator represents a data validator
type Validator interface {
	// Validate validates data
	Validate(data interface{}) error
}

// RangeValidator checks that a numeric field lies within [Min, Max]
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks whether the field value is within the configured range
func (rv *RangeValidator) Validate(data interface{}) error {
	field, err := fieldByName(data, rv.Field)
	if err != nil {
		return err
	}

	var value float64
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		value = field.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		value = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		value = float64(field.Uint())
	default:
		return fmt.Errorf("field %s is not numeric", rv.Field)
	}

	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("%w: %s=%v not in [%v, %v]", ErrOutOfRange, rv.Field, value, rv.Min, rv.Max)
	}

	return nil
}

// RequiredValidator checks that every listed string field is non-empty
type RequiredValidator struct {
	Fields []string
}

// Validate returns ErrFieldRequired naming the first empty field
func (rv *RequiredValidator) Validate(data interface{}) error {
	for _, name := range rv.Fields {
		field, err := fieldByName(data, name)
		if err != nil {
			return err
		}
		if field.Kind() != reflect.String {
			return fmt.Errorf("field %s is not a string", name)
		}
		if field.String() == "" {
			return fmt.Errorf("%w: %s", ErrFieldRequired, name)
		}
	}
	return nil
}

// LengthValidator rejects string fields longer than Max bytes.
// Oversized values are an error, never truncated.
type LengthValidator struct {
	Field string
	Max   int
}

// Validate checks the field length against Max
func (lv *LengthValidator) Validate(data interface{}) error {
	field, err := fieldByName(data, lv.Field)
	if err != nil {
		return err
	}
	if field.Kind() != reflect.String {
		return fmt.Errorf("field %s is not a string", lv.Field)
	}
	if n := len(field.String()); n > lv.Max {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFieldTooLong, lv.Field, n, lv.Max)
	}
	return nil
}

// All runs every validator and returns the first error
func All(data interface{}, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(data); err != nil {
			return err
		}
	}
	return nil
}

func fieldByName(data interface{}, name string) (reflect.Value, error) {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("data must be a struct")
	}

	field := v.FieldByName(name)
	if !field.IsValid() {
		return reflect.Value{}, fmt.Errorf("field %s does not exist", name)
	}
	return field, nil
}
