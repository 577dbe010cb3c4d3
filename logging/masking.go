package logging

import (
	"regexp"
	"strings"
)

// SensitiveDataMasker scrubs the secrets this process actually handles —
// the broker API key, the JWT signing secret, the Postgres/Redis DSNs —
// out of anything bound for logs or Sentry. There is no customer PII
// (email/phone/SSN/card) on this backend's hot path, so this masker only
// covers credential shapes, not a generic PII scrubber.
type SensitiveDataMasker struct {
	patterns map[string]*regexp.Regexp
}

// NewSensitiveDataMasker creates a new data masker
func NewSensitiveDataMasker() *SensitiveDataMasker {
	return &SensitiveDataMasker{
		patterns: map[string]*regexp.Regexp{
			"api_key":      regexp.MustCompile(`(?i)(api[_-]?key|apikey|access[_-]?token)[\s:="']+([a-zA-Z0-9_\-]{8,})`),
			"password":     regexp.MustCompile(`(?i)(password|passwd|pwd)[\s:="']+([^\s"']+)`),
			"bearer_token": regexp.MustCompile(`(?i)Bearer\s+([a-zA-Z0-9_\-\.]{20,})`),
			"jwt":          regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			"dsn":          regexp.MustCompile(`(?i)(postgres|redis)://[^:\s]+:[^@\s]+@`),
		},
	}
}

// Mask masks sensitive data in a string
func (m *SensitiveDataMasker) Mask(input string) string {
	result := input

	// Mask API keys
	result = m.patterns["api_key"].ReplaceAllString(result, "$1=[REDACTED]")

	// Mask passwords
	result = m.patterns["password"].ReplaceAllString(result, "$1=[REDACTED]")

	// Mask bearer tokens
	result = m.patterns["bearer_token"].ReplaceAllString(result, "Bearer [REDACTED]")

	// Mask JWTs
	result = m.patterns["jwt"].ReplaceAllString(result, "[JWT_REDACTED]")

	// Mask credentials embedded in a connection DSN
	result = m.patterns["dsn"].ReplaceAllString(result, "$1://[REDACTED]@")

	return result
}

// MaskJSON masks sensitive data in JSON strings
func (m *SensitiveDataMasker) MaskJSON(input string) string {
	// First apply standard masking
	result := m.Mask(input)

	// Additional JSON-specific patterns
	sensitiveKeys := []string{
		"password", "passwd", "pwd", "secret", "token", "api_key", "apiKey",
		"accessToken", "refreshToken", "privateKey", "private_key", "dsn",
	}

	for _, key := range sensitiveKeys {
		// Match "key": "value" or 'key': 'value'
		pattern := regexp.MustCompile(`"` + key + `"\s*:\s*"[^"]*"`)
		result = pattern.ReplaceAllString(result, `"`+key+`":"[REDACTED]"`)

		pattern = regexp.MustCompile(`'` + key + `'\s*:\s*'[^']*'`)
		result = pattern.ReplaceAllString(result, `'`+key+`':'[REDACTED]'`)
	}

	return result
}

// MaskMap masks sensitive data in a map
func (m *SensitiveDataMasker) MaskMap(input map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})

	sensitiveKeys := map[string]bool{
		"password":      true,
		"passwd":        true,
		"pwd":           true,
		"secret":        true,
		"token":         true,
		"api_key":       true,
		"apiKey":        true,
		"apikey":        true,
		"access_token":  true,
		"accessToken":   true,
		"refresh_token": true,
		"refreshToken":  true,
		"private_key":   true,
		"privateKey":    true,
		"dsn":           true,
	}

	for key, value := range input {
		if sensitiveKeys[key] || sensitiveKeys[strings.ToLower(key)] {
			result[key] = "[REDACTED]"
		} else {
			// Recursively mask nested maps
			if nestedMap, ok := value.(map[string]interface{}); ok {
				result[key] = m.MaskMap(nestedMap)
			} else if strValue, ok := value.(string); ok {
				result[key] = m.Mask(strValue)
			} else {
				result[key] = value
			}
		}
	}

	return result
}

// Global masker instance
var globalMasker = NewSensitiveDataMasker()

// MaskSensitiveData masks sensitive data using the global masker
func MaskSensitiveData(input string) string {
	return globalMasker.Mask(input)
}

// MaskSensitiveJSON masks sensitive data in JSON using the global masker
func MaskSensitiveJSON(input string) string {
	return globalMasker.MaskJSON(input)
}

// MaskSensitiveMap masks sensitive data in a map using the global masker
func MaskSensitiveMap(input map[string]interface{}) map[string]interface{} {
	return globalMasker.MaskMap(input)
}
