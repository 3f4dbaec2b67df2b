package password

import "unicode"

// Rule identifiers reported by [Policy.Check]. They are stable and safe to
// show to users.
const (
	RuleMinLength    = "min_length"
	RuleMaxLength    = "max_length"
	RuleUppercase    = "uppercase"
	RuleLowercase    = "lowercase"
	RuleDigit        = "digit"
	RuleSymbol       = "symbol"
	RuleConfirmation = "confirmation_mismatch"
)

// Policy describes the format and strength a new password must meet.
type Policy struct {
	MinLength     int
	MaxLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// DefaultPolicy is eight characters with upper, lower, digit and symbol.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:     8,
		MaxLength:     128,
		RequireUpper:  true,
		RequireLower:  true,
		RequireDigit:  true,
		RequireSymbol: true,
	}
}

// Check returns every rule candidate violates, in a fixed order. A nil
// result means the password is acceptable.
func (p Policy) Check(candidate, confirmation string) []string {
	var (
		violated                    []string
		upper, lower, digit, symbol bool
		length                      int
	)

	for _, r := range candidate {
		length++
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	if length < p.MinLength {
		violated = append(violated, RuleMinLength)
	}
	if p.MaxLength > 0 && length > p.MaxLength {
		violated = append(violated, RuleMaxLength)
	}
	if p.RequireUpper && !upper {
		violated = append(violated, RuleUppercase)
	}
	if p.RequireLower && !lower {
		violated = append(violated, RuleLowercase)
	}
	if p.RequireDigit && !digit {
		violated = append(violated, RuleDigit)
	}
	if p.RequireSymbol && !symbol {
		violated = append(violated, RuleSymbol)
	}
	if candidate != confirmation {
		violated = append(violated, RuleConfirmation)
	}

	return violated
}
