package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entrans "github.com/go-playground/validator/v10/translations/en"
)

// validate holds the settings and caches for validating configuration structs.
var validate *validator.Validate

// translator is a cache of locale and translation information.
var translator ut.Translator

func init() {
	validate = validator.New()

	locale := en.New()
	uni := ut.New(locale, locale)
	translator, _ = uni.GetTranslator(locale.Locale())
	_ = entrans.RegisterDefaultTranslations(validate, translator)
}

// Validate checks the configuration against its field constraints and returns
// every violation in one human-readable error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrors validator.ValidationErrors
	if !errors.As(err, &verrors) {
		return err
	}

	reasons := make([]string, 0, len(verrors))
	for _, verr := range verrors {
		reasons = append(reasons, verr.Translate(translator))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(reasons, "; "))
}
