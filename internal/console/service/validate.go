package service

import (
	"errors"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// В сообщениях, имена полей как в JSON, а не как в Go
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateStruct переводит ошибки валидатора в ValidationError с читаемым текстом.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.Validationf("invalid request")
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return domain.Validationf("%s: field is required", e.Field())
	case "min":
		return domain.Validationf("%s: must be at least %s characters", e.Field(), e.Param())
	case "max":
		return domain.Validationf("%s: must not exceed %s", e.Field(), e.Param())
	case "email":
		return domain.Validationf("%s: must be a valid email address", e.Field())
	case "eqfield":
		return domain.Validationf("passwords do not match")
	default:
		return domain.Validationf("%s: validation failed (%s)", e.Field(), e.Tag())
	}
}

// maxPasswordBytes: bcrypt не принимает пароль длиннее 72 байт.
const maxPasswordBytes = 72

// checkPasswordStrength: минимальная серверная политика: буквы и цифры, не более 72 байт
// (многобайтовые символы считаются по байтам, а не по рунам).
func checkPasswordStrength(pw string) error {
	if len(pw) > maxPasswordBytes {
		return domain.Validationf("password: must not exceed %d bytes", maxPasswordBytes)
	}
	var letter, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return domain.Validationf("password: must contain both letters and digits")
	}
	return nil
}
