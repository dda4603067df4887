package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/walletcore/internal/ledger"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		// string amounts must parse as a positive decimal the ledger can store
		_ = validate.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			if s == "" {
				return true
			}
			d, err := decimal.NewFromString(s)
			return err == nil && ledger.ValidAmount(d)
		})
	})
	return validate
}

// Bind parses the JSON body into dst and validates its tags. Failures become
// 400 errors naming the first offending field.
func Bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	return Validate(dst)
}

// Validate checks dst against its validation tags.
func Validate(dst any) error {
	err := getValidator().Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("%s is required", field))
		case "positive_amount":
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("%s must be a positive amount", field))
		case "oneof":
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("%s is invalid", field))
		}
	}
	return fiber.NewError(http.StatusBadRequest, err.Error())
}
