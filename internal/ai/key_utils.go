package ai

import "strings"

var keyEscapes = strings.NewReplacer(`\r`, "", `\n`, "", `\t`, "")

// normalizeAPIKey cleans a credential pasted into an env var: surrounding
// whitespace and quotes, an optional Bearer prefix, escaped control
// sequences, and any byte that would corrupt an Authorization header.
func normalizeAPIKey(raw string) string {
	key := strings.Trim(strings.TrimSpace(raw), `"'`)
	key = strings.TrimSpace(key)

	const bearer = "bearer "
	if len(key) >= len(bearer) && strings.EqualFold(key[:len(bearer)], bearer) {
		key = strings.TrimSpace(key[len(bearer):])
	}

	key = keyEscapes.Replace(key)

	// Visible ASCII only; drops real control bytes and hidden unicode.
	return strings.Map(func(r rune) rune {
		if r < '!' || r > '~' {
			return -1
		}
		return r
	}, key)
}
