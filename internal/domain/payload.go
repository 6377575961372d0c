package domain

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payload — поля транзакции, присланные клиентом.
type Payload struct {
	// Обязательные поля
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UserID    string          `json:"user_id"`

	// Мерчант
	MerchantID      string `json:"merchant_id"`
	MerchantName    string `json:"merchant_name"`
	MerchantCountry string `json:"merchant_country,omitempty"`

	// Платёж
	PaymentMethod string `json:"payment_method,omitempty"`
	CardLast4     string `json:"card_last_4,omitempty"`
	CardBrand     string `json:"card_brand,omitempty"`

	// Локация
	IPAddress string `json:"ip_address,omitempty"`
	Country   string `json:"country,omitempty"`
	City      string `json:"city,omitempty"`

	// Контекст пользователя (для скоринга)
	UserAccountAgeDays *int `json:"user_account_age_days,omitempty"`

	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Currencies — поддерживаемые коды ISO 4217.
var Currencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "AUD": {},
	"CAD": {}, "CHF": {}, "CNY": {}, "INR": {}, "BRL": {},
	"MXN": {}, "SGD": {}, "HKD": {}, "NZD": {}, "SEK": {},
	"NOK": {}, "DKK": {}, "PLN": {}, "ZAR": {}, "KRW": {},
}

// CardBrands — известные платёжные системы.
var CardBrands = map[string]struct{}{
	"visa": {}, "mastercard": {}, "amex": {}, "discover": {}, "jcb": {}, "diners": {},
}

// FieldError — ошибка в конкретном поле.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError — набор ошибок валидации payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("%s: %s", ErrInvalidPayload, strings.Join(parts, "; "))
}

// Is позволяет проверять errors.Is(err, ErrInvalidPayload).
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// CheckRequired проверяет только наличие обязательных полей.
// Используется на входе API; полная проверка — Validate на стадии ingest.
func (p *Payload) CheckRequired() error {
	verr := &ValidationError{}
	p.checkRequired(verr)
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (p *Payload) checkRequired(verr *ValidationError) {
	// Отсутствующая сумма декодируется в ноль.
	if p.Amount.IsZero() {
		verr.add("amount", "required")
	}
	if p.Currency == "" {
		verr.add("currency", "required")
	}
	if p.CreatedAt.IsZero() {
		verr.add("created_at", "required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		verr.add("user_id", "required")
	}
	if strings.TrimSpace(p.MerchantID) == "" {
		verr.add("merchant_id", "required")
	}
	if strings.TrimSpace(p.MerchantName) == "" {
		verr.add("merchant_name", "required")
	}
}

// Validate выполняет полную проверку полей (стадия ingest).
func (p *Payload) Validate(now time.Time) error {
	verr := &ValidationError{}
	p.checkRequired(verr)

	if p.Amount.IsNegative() {
		verr.add("amount", "must be positive")
	} else if !p.Amount.Equal(p.Amount.Round(2)) {
		verr.add("amount", "at most 2 decimal places")
	}

	if p.Currency != "" {
		if _, ok := Currencies[p.Currency]; !ok {
			verr.add("currency", fmt.Sprintf("unsupported currency %q", p.Currency))
		}
	}

	if !p.CreatedAt.IsZero() && p.CreatedAt.After(now) {
		verr.add("created_at", "cannot be in the future")
	}

	if p.MerchantCountry != "" && !isCountryCode(p.MerchantCountry) {
		verr.add("merchant_country", "must be ISO 3166-1 alpha-2")
	}
	if p.Country != "" && !isCountryCode(p.Country) {
		verr.add("country", "must be ISO 3166-1 alpha-2")
	}

	if p.CardLast4 != "" && !isDigits(p.CardLast4, 4) {
		verr.add("card_last_4", "must be 4 digits")
	}
	if p.CardBrand != "" {
		if _, ok := CardBrands[strings.ToLower(p.CardBrand)]; !ok {
			verr.add("card_brand", fmt.Sprintf("unknown card brand %q", p.CardBrand))
		}
	}

	if p.IPAddress != "" {
		if _, err := netip.ParseAddr(p.IPAddress); err != nil {
			verr.add("ip_address", "must be IPv4 or IPv6")
		}
	}

	if p.UserAccountAgeDays != nil && *p.UserAccountAgeDays < 0 {
		verr.add("user_account_age_days", "must be >= 0")
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
