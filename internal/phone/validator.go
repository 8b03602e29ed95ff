package phone

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/unclebandit/campaign-dispatcher/internal/gateway"
)

// Checker is the slice of the gateway the validator needs.
type Checker interface {
	CheckNumber(ctx context.Context, token, phone string) (*gateway.NumberCheck, error)
}

// Result is the outcome of validating one address. Error explains an invalid
// address; transport failures are returned as the call's error instead.
type Result struct {
	IsValid          bool
	CanonicalAddress string
	PlatformID       string
	Error            string
}

type Validator struct {
	checker            Checker
	defaultCountryCode string
}

func NewValidator(checker Checker, defaultCountryCode string) *Validator {
	if defaultCountryCode == "" {
		defaultCountryCode = "55"
	}
	return &Validator{checker: checker, defaultCountryCode: defaultCountryCode}
}

// Normalize strips everything but digits and adds the default country code to
// national numbers (10 or 11 digits).
func Normalize(raw, defaultCountryCode string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty phone")
	}
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	phone := strings.TrimLeft(b.String(), "0")

	if len(phone) == 10 || len(phone) == 11 {
		phone = defaultCountryCode + phone
	}
	if len(phone) < 12 || len(phone) > 15 {
		return "", fmt.Errorf("invalid phone length: %d", len(phone))
	}
	return phone, nil
}

// Validate normalizes address and asks the gateway whether it is registered.
func (v *Validator) Validate(ctx context.Context, address, token string) (*Result, error) {
	phone, err := Normalize(address, v.defaultCountryCode)
	if err != nil {
		return &Result{Error: "invalid number: " + err.Error()}, nil
	}

	nc, err := v.checker.CheckNumber(ctx, token, phone)
	if err != nil {
		return nil, err
	}
	if !nc.Exists {
		return &Result{Error: fmt.Sprintf("number %s is not on the platform", phone)}, nil
	}

	canonical := nc.Phone
	if canonical == "" {
		canonical = phone
	}
	return &Result{IsValid: true, CanonicalAddress: canonical, PlatformID: nc.JID}, nil
}
