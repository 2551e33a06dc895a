package service

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/Skotchmaster/auth_service/internal/repo"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72
	maxNameLen     = 40
)

var (
	hasDigit  = regexp.MustCompile(`[0-9]`)
	hasUpper  = regexp.MustCompile(`[A-Z]`)
	hasLower  = regexp.MustCompile(`[a-z]`)
	hasSymbol = regexp.MustCompile(`[^A-Za-z0-9]`)

	// No MX lookups: format only.
	emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
)

var passwordRules = []validation.Rule{
	validation.Required,
	validation.Length(minPasswordLen, maxPasswordLen),
	validation.Match(hasDigit).Error("must contain a digit"),
	validation.Match(hasUpper).Error("must contain an upper-case letter"),
	validation.Match(hasLower).Error("must contain a lower-case letter"),
	validation.Match(hasSymbol).Error("must contain a non-alphanumeric character"),
}

var emailRules = []validation.Rule{
	validation.Required,
	validation.Length(3, 254),
	validation.Match(emailPattern).Error("must be a valid email address"),
}

func validateEmail(email string) error {
	return validation.Errors{
		"email": validation.Validate(repo.NormalizeEmail(email), emailRules...),
	}.Filter()
}

func validatePassword(password string) error {
	return validation.Validate(password, passwordRules...)
}

func validateRegistration(email, password, firstName, lastName string) error {
	return validation.Errors{
		"email":      validation.Validate(repo.NormalizeEmail(email), emailRules...),
		"password":   validation.Validate(password, passwordRules...),
		"first_name": validation.Validate(firstName, validation.Required, validation.Length(1, maxNameLen)),
		"last_name":  validation.Validate(lastName, validation.Required, validation.Length(1, maxNameLen)),
	}.Filter()
}

func validateCredentials(email, password string) error {
	return validation.Errors{
		"email":    validation.Validate(repo.NormalizeEmail(email), emailRules...),
		"password": validation.Validate(password, validation.Required),
	}.Filter()
}

func validateCode(email, code string) error {
	return validation.Errors{
		"email": validation.Validate(repo.NormalizeEmail(email), emailRules...),
		"code":  validation.Validate(code, validation.Required),
	}.Filter()
}
