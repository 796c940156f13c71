package utils

// validator.go - валидация входных данных: торговых символов, площадок,
// учётных данных API и конфигурации пары перед передачей в исполнение.

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Типовые ошибки валидации.
var (
	ErrInvalidSymbol     = errors.New("invalid symbol format")
	ErrInvalidSpread     = errors.New("spread must be between 0 and 100")
	ErrInvalidVolume     = errors.New("volume must be positive and within bounds")
	ErrInvalidNOrders    = errors.New("number of orders must be between 1 and 100")
	ErrInvalidStopLoss   = errors.New("stop loss must be between 0 and 100")
	ErrInvalidLeverage   = errors.New("leverage must be between 1 and 100")
	ErrInvalidPercentage = errors.New("percentage must be between 0 and 100")
	ErrInvalidEmail      = errors.New("invalid email format")
	ErrInvalidAPIKey     = errors.New("api key must be at least 16 characters, alphanumeric with - and _")
	ErrInvalidAPISecret  = errors.New("api secret must be at least 16 characters")
	ErrInvalidPassphrase = errors.New("api passphrase too long")
	ErrInvalidExchange   = errors.New("unsupported exchange")
	ErrSameExchange      = errors.New("exchange A and exchange B must differ")
	ErrEntryLessExit     = errors.New("entry spread must be greater than exit spread")
)

var (
	symbolCharsRe = regexp.MustCompile(`^[A-Za-z0-9/_-]+$`)
	emailRe       = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	apiKeyRe      = regexp.MustCompile(`^[A-Za-z0-9_-]{16,}$`)
)

const (
	minSymbolLen  = 2
	maxSymbolLen  = 20
	minVolume     = 1e-8
	maxVolume     = 1e9
	maxPassphrase = 64
)

// SupportedExchanges перечисляет площадки, которые принимает конфигурация
// (значения сравниваются без учёта регистра через NormalizeExchange).
var SupportedExchanges = []string{"bybit", "bitget", "okx", "gate", "htx", "bingx"}

// ValidateSymbol проверяет формат торгового символа (буквы/цифры и один из
// разделителей - / _, длина от 2 до 20 символов).
func ValidateSymbol(symbol string) error {
	if len(symbol) < minSymbolLen || len(symbol) > maxSymbolLen {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if !symbolCharsRe.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// IsValidSymbol - булев вариант ValidateSymbol.
func IsValidSymbol(symbol string) bool { return ValidateSymbol(symbol) == nil }

// NormalizeSymbol приводит символ к верхнему регистру и убирает разделители.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return s
}

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// ExtractBaseCurrency вырезает базовую валюту из символа (BTCUSDT -> BTC).
func ExtractBaseCurrency(symbol string) string {
	norm := NormalizeSymbol(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(norm, q) && len(norm) > len(q) {
			return norm[:len(norm)-len(q)]
		}
	}
	return norm
}

// ExtractQuoteCurrency вырезает котируемую валюту из символа (BTCUSDT -> USDT).
func ExtractQuoteCurrency(symbol string) string {
	norm := NormalizeSymbol(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(norm, q) && len(norm) > len(q) {
			return q
		}
	}
	return ""
}

// ValidateSpread проверяет, что спред лежит в (0, 100].
func ValidateSpread(spread float64) error {
	if spread <= 0 || spread > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidSpread, spread)
	}
	return nil
}

// ValidateVolume проверяет, что объём положителен и в разумных пределах.
func ValidateVolume(volume float64) error {
	if volume < minVolume || volume > maxVolume {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, volume)
	}
	return nil
}

// ValidateNOrders проверяет количество ордеров для разбиения объёма (1..100).
func ValidateNOrders(n int) error {
	if n < 1 || n > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidNOrders, n)
	}
	return nil
}

// ValidateStopLoss проверяет порог стоп-лосса в (0, 100].
func ValidateStopLoss(sl float64) error {
	if sl <= 0 || sl > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidStopLoss, sl)
	}
	return nil
}

// ValidateLeverage проверяет плечо в [1, 100].
func ValidateLeverage(leverage int) error {
	if leverage < 1 || leverage > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidLeverage, leverage)
	}
	return nil
}

// ValidatePercentage проверяет процент в [0, 100].
func ValidatePercentage(pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%w: %v", ErrInvalidPercentage, pct)
	}
	return nil
}

// ValidateEmail проверяет базовый формат email.
func ValidateEmail(email string) error {
	if email == "" || strings.Count(email, "@") != 1 || !emailRe.MatchString(email) {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}

// IsValidEmail - булев вариант ValidateEmail.
func IsValidEmail(email string) bool { return ValidateEmail(email) == nil }

// ValidateAPIKey проверяет базовый формат API-ключа площадки.
func ValidateAPIKey(key string) error {
	if !apiKeyRe.MatchString(key) {
		return ErrInvalidAPIKey
	}
	return nil
}

// IsValidAPIKey - булев вариант ValidateAPIKey.
func IsValidAPIKey(key string) bool { return ValidateAPIKey(key) == nil }

// ValidateAPISecret проверяет, что секрет не короче 16 символов.
func ValidateAPISecret(secret string) error {
	if len(secret) < 16 {
		return ErrInvalidAPISecret
	}
	return nil
}

// ValidateAPIPassphrase проверяет пассфразу (пустая строка допустима - не
// у всех площадок она есть).
func ValidateAPIPassphrase(passphrase string) error {
	if len(passphrase) > maxPassphrase {
		return ErrInvalidPassphrase
	}
	return nil
}

// ValidateExchange проверяет, что площадка входит в поддерживаемый список.
func ValidateExchange(exchange string) error {
	norm := NormalizeExchange(exchange)
	if norm == "" {
		return fmt.Errorf("%w: empty", ErrInvalidExchange)
	}
	for _, e := range SupportedExchanges {
		if e == norm {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidExchange, exchange)
}

// IsValidExchange - булев вариант ValidateExchange.
func IsValidExchange(exchange string) bool { return ValidateExchange(exchange) == nil }

// NormalizeExchange приводит имя площадки к нижнему регистру без пробелов.
func NormalizeExchange(exchange string) string {
	return strings.ToLower(strings.TrimSpace(exchange))
}

// GetSupportedExchanges возвращает копию списка поддерживаемых площадок.
func GetSupportedExchanges() []string {
	out := make([]string, len(SupportedExchanges))
	copy(out, SupportedExchanges)
	return out
}

// PairConfigValidation - конфигурация торговой пары, подлежащая проверке
// перед активацией (символ, пороги входа/выхода, объём, площадки).
type PairConfigValidation struct {
	Symbol      string
	EntrySpread float64
	ExitSpread  float64
	Volume      float64
	NOrders     int
	StopLoss    float64
	ExchangeA   string
	ExchangeB   string
}

// ValidatePairConfig проверяет конфигурацию пары целиком, накапливая все
// встреченные ошибки полей через ValidationErrors.
func ValidatePairConfig(cfg PairConfigValidation) error {
	var errs ValidationErrors

	errs.AddError("symbol", ValidateSymbol(cfg.Symbol))
	errs.AddError("entry_spread", ValidateSpread(cfg.EntrySpread))
	errs.AddError("exit_spread", ValidateSpread(cfg.ExitSpread))
	errs.AddError("volume", ValidateVolume(cfg.Volume))
	errs.AddError("n_orders", ValidateNOrders(cfg.NOrders))

	if cfg.StopLoss != 0 {
		errs.AddError("stop_loss", ValidateStopLoss(cfg.StopLoss))
	}
	if cfg.ExchangeA != "" {
		errs.AddError("exchange_a", ValidateExchange(cfg.ExchangeA))
	}
	if cfg.ExchangeB != "" {
		errs.AddError("exchange_b", ValidateExchange(cfg.ExchangeB))
	}
	if cfg.ExchangeA != "" && cfg.ExchangeB != "" && NormalizeExchange(cfg.ExchangeA) == NormalizeExchange(cfg.ExchangeB) {
		errs.Add("exchange", ErrSameExchange.Error())
	}
	if cfg.EntrySpread > 0 && cfg.ExitSpread > 0 && cfg.EntrySpread <= cfg.ExitSpread {
		errs.Add("spread", ErrEntryLessExit.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidationErrors собирает ошибки валидации по полям, сохраняя порядок
// добавления.
type ValidationErrors []FieldError

// FieldError - одна ошибка, привязанная к конкретному полю.
type FieldError struct {
	Field   string
	Message string
}

// Add добавляет ошибку поля по готовому сообщению.
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, FieldError{Field: field, Message: message})
}

// AddError добавляет ошибку поля, если err не nil; nil игнорируется молча.
func (e *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	e.Add(field, err.Error())
}

// HasErrors сообщает, накоплена ли хотя бы одна ошибка.
func (e ValidationErrors) HasErrors() bool { return len(e) > 0 }

// Error реализует интерфейс error, перечисляя все накопленные ошибки.
func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return strings.Join(parts, "; ")
}
