package validators

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/songzhibin97/chatflow/types"
)

// NoInsurance is the normalized value stored when the counterpart has no plan.
const NoInsurance = "PARTICULAR"

const isoDate = "2006-01-02"

// Default user-facing error messages.
var defaultMessages = map[types.FieldKind]string{
	types.FieldName:       "Por favor, informe seu nome completo (mínimo 2 letras).",
	types.FieldNationalID: "CPF inválido. Verifique os números e envie novamente (11 dígitos).",
	types.FieldBirthDate:  "Data de nascimento inválida. Use o formato DD/MM/AAAA.",
	types.FieldEmail:      "E-mail inválido. Envie no formato nome@dominio.com ou digite PULAR.",
	types.FieldPhone:      "Telefone inválido. Envie o número com DDD (10 ou 11 dígitos).",
	types.FieldInsurance:  "Não encontrei esse convênio. Digite o nome do seu convênio ou PARTICULAR se não tiver.",
	types.FieldShift:      "Turno inválido. Responda MANHÃ, TARDE ou NOITE.",
	types.FieldDate:       "Data inválida. Use o formato DD/MM/AAAA com uma data a partir de hoje.",
	types.FieldText:       "Não entendi. Pode escrever novamente?",
}

var (
	emailRegex = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	dateRegex  = regexp.MustCompile(`^(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{2}|\d{4})$`)
)

var noInsuranceWords = map[string]bool{
	"particular":         true,
	"nenhum":             true,
	"nenhuma":            true,
	"nao":                true,
	"nao tenho":          true,
	"sem convenio":       true,
	"sem plano":          true,
	"nao tenho plano":    true,
	"nao tenho convenio": true,
}

var shifts = map[string]string{
	"manha":     "morning",
	"morning":   "morning",
	"tarde":     "afternoon",
	"afternoon": "afternoon",
	"noite":     "evening",
	"evening":   "evening",
}

// ValidationError is a user-correctable rejection of a single value.
type ValidationError struct {
	Field   types.FieldKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(kind types.FieldKind) *ValidationError {
	return &ValidationError{Field: kind, Message: DefaultMessage(kind)}
}

// DefaultMessage returns the built-in error prompt for a field kind.
func DefaultMessage(kind types.FieldKind) string {
	if msg, ok := defaultMessages[kind]; ok {
		return msg
	}
	return defaultMessages[types.FieldText]
}

// ValidateName accepts 2 to 100 characters that are not only digits.
func ValidateName(in string) (string, error) {
	name := strings.Join(strings.Fields(in), " ")
	n := utf8.RuneCountInString(name)
	if n < 2 || n > 100 || isAllDigits(strings.ReplaceAll(name, " ", "")) {
		return "", invalid(types.FieldName)
	}
	return name, nil
}

// ValidateNationalID checks an 11-digit CPF with both modulo-11 check digits.
// The digits-only form is returned.
func ValidateNationalID(in string) (string, error) {
	digits := Digits(in)
	if len(digits) != 11 {
		return "", invalid(types.FieldNationalID)
	}
	if strings.Count(digits, digits[:1]) == 11 {
		return "", invalid(types.FieldNationalID)
	}
	d := make([]int, 11)
	for i, r := range digits {
		d[i] = int(r - '0')
	}
	if checkDigit(d[:9], 10) != d[9] || checkDigit(d[:10], 11) != d[10] {
		return "", invalid(types.FieldNationalID)
	}
	return digits, nil
}

// checkDigit computes one CPF verifier over digits weighted from weight down to 2.
func checkDigit(digits []int, weight int) int {
	sum := 0
	for i, v := range digits {
		sum += v * (weight - i)
	}
	r := (sum * 10) % 11
	if r == 10 {
		return 0
	}
	return r
}

// ValidateBirthDate parses D/M/Y input, rejects impossible and future dates
// and returns YYYY-MM-DD.
func ValidateBirthDate(in string, now time.Time) (string, error) {
	t, ok := parseDMY(in, now, true)
	if !ok || t.Year() < 1900 || t.After(truncateDay(now)) {
		return "", invalid(types.FieldBirthDate)
	}
	return t.Format(isoDate), nil
}

// ValidateDate parses D/M/Y input for a date that is today or later and
// returns YYYY-MM-DD.
func ValidateDate(in string, now time.Time) (string, error) {
	t, ok := parseDMY(in, now, false)
	if !ok || t.Before(truncateDay(now)) {
		return "", invalid(types.FieldDate)
	}
	return t.Format(isoDate), nil
}

// ValidateEmail is optional: empty input is accepted as empty.
func ValidateEmail(in string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(in))
	if email == "" {
		return "", nil
	}
	if !emailRegex.MatchString(email) {
		return "", invalid(types.FieldEmail)
	}
	return email, nil
}

// ValidatePhone accepts 10 or 11 digits after stripping everything else.
func ValidatePhone(in string) (string, error) {
	digits := Digits(in)
	if len(digits) < 10 || len(digits) > 11 {
		return "", invalid(types.FieldPhone)
	}
	return digits, nil
}

// ValidateShift maps morning/afternoon/evening in Portuguese or English.
func ValidateShift(in string) (string, error) {
	if v, ok := shifts[Normalize(in)]; ok {
		return v, nil
	}
	return "", invalid(types.FieldShift)
}

// ValidateText accepts any non-empty text.
func ValidateText(in string) (string, error) {
	text := strings.TrimSpace(in)
	if text == "" {
		return "", invalid(types.FieldText)
	}
	return text, nil
}

// ValidateInsurance resolves a free-text plan name through resolve. The
// no-insurance sentinel words yield NoInsurance.
func ValidateInsurance(in string, resolve func(string) (types.CatalogEntry, bool)) (string, error) {
	normalized := Normalize(in)
	if normalized == "" {
		return "", invalid(types.FieldInsurance)
	}
	if noInsuranceWords[normalized] {
		return NoInsurance, nil
	}
	if resolve == nil {
		return "", invalid(types.FieldInsurance)
	}
	entry, ok := resolve(in)
	if !ok {
		return "", invalid(types.FieldInsurance)
	}
	return entry.Code, nil
}

func parseDMY(in string, now time.Time, past bool) (time.Time, bool) {
	m := dateRegex.FindStringSubmatch(strings.TrimSpace(in))
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if len(m[3]) == 2 {
		year += 2000
		if past && year > now.Year() {
			year -= 100
		}
	}
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
