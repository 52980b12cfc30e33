package secrets

// Rule detects one family of secrets.
type Rule struct {
	ID       string `koanf:"id"`
	Pattern  string `koanf:"pattern"`
	Severity string `koanf:"severity"`

	// Keywords gate the rule: when set, at least one must appear in the
	// text (case-insensitive) before the pattern is tried.
	Keywords []string `koanf:"keywords"`
}

// DefaultRules returns the rules applied when none are configured. Tokens
// with self-identifying prefixes need no keywords.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "aws-access-key-id",
			Pattern:  `(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`,
			Severity: "high",
		},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Severity: "high",
			Keywords: []string{"secret"},
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Severity: "high",
			Keywords: []string{"api", "key"},
		},
		{
			ID:       "generic-password",
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Severity: "high",
			Keywords: []string{"secret", "password", "passwd", "pwd"},
		},
		{
			ID:       "private-key",
			Pattern:  `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
			Severity: "high",
		},
		{
			ID:       "github-token",
			Pattern:  `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}`,
			Severity: "high",
		},
		{
			ID:       "gitlab-token",
			Pattern:  `glpat-[A-Za-z0-9\-]{20,}`,
			Severity: "high",
		},
		{
			ID:       "slack-token",
			Pattern:  `xox[baprs]-[A-Za-z0-9\-]{10,}`,
			Severity: "high",
		},
		{
			ID:       "stripe-key",
			Pattern:  `(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`,
			Severity: "high",
		},
		{
			ID:       "anthropic-api-key",
			Pattern:  `sk-ant-[A-Za-z0-9_\-]{32,}`,
			Severity: "high",
		},
		{
			ID:       "openai-api-key",
			Pattern:  `sk-(?:proj-)?[A-Za-z0-9_\-]{40,}`,
			Severity: "high",
		},
		{
			ID:       "google-api-key",
			Pattern:  `AIza[A-Za-z0-9_\-]{35}`,
			Severity: "high",
		},
		{
			ID:       "connection-url",
			Pattern:  `(?i)(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s]+:[^@\s]+@[^\s]+`,
			Severity: "high",
			Keywords: []string{"://"},
		},
		{
			ID:       "jwt",
			Pattern:  `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
			Severity: "medium",
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Severity: "medium",
			Keywords: []string{"bearer"},
		},
	}
}
