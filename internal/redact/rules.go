package redact

// DefaultRules returns the personal data and credential rules applied to
// chat text.
func DefaultRules() []Rule {
	return []Rule{
		// Personal data
		{
			ID:          "email",
			Description: "Email address",
			Pattern:     `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
			Placeholder: "[EMAIL]",
			Severity:    "medium",
		},
		{
			ID:          "phone-jp",
			Description: "Japanese phone number",
			Pattern:     `\b0\d{1,4}-\d{1,4}-\d{3,4}\b|\b0[5789]0\d{8}\b`,
			Placeholder: "[PHONE]",
			Severity:    "medium",
		},
		{
			ID:          "phone-intl",
			Description: "International phone number",
			Pattern:     `\+\d{1,3}[ \-]?\d{1,4}[ \-]?\d{2,4}[ \-]?\d{3,4}\b`,
			Placeholder: "[PHONE]",
			Severity:    "medium",
		},
		{
			ID:          "postal-code-jp",
			Description: "Japanese postal code",
			Pattern:     `〒\s?\d{3}-?\d{4}|\b\d{3}-\d{4}\b`,
			Placeholder: "[POSTAL]",
			Severity:    "low",
		},
		{
			ID:          "credit-card",
			Description: "Credit card number",
			Pattern:     `\b(?:\d{4}[ \-]?){3}\d{1,4}\b`,
			Placeholder: "[CARD]",
			Severity:    "high",
		},

		// Credentials
		{
			ID:          "bearer-token",
			Description: "Bearer token",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords:    []string{"bearer"},
			Severity:    "high",
		},
		{
			ID:          "openai-style-key",
			Description: "OpenAI or OpenRouter API key",
			Pattern:     `sk-(?:or-v1-|proj-)?[A-Za-z0-9_\-]{32,}`,
			Severity:    "high",
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}`,
			Severity:    "high",
		},
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key id",
			Pattern:     `(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}`,
			Severity:    "high",
		},
		{
			ID:          "generic-api-key",
			Description: "Generic API key assignment",
			Pattern:     `(?i)(?:api[_-]?key|apikey|secret|password|passwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords:    []string{"key", "secret", "pass"},
			Severity:    "high",
		},
		{
			ID:          "jwt",
			Description: "JSON Web Token",
			Pattern:     `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
			Severity:    "medium",
		},
		{
			ID:          "private-key",
			Description: "Private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY-----`,
			Severity:    "high",
		},
	}
}
