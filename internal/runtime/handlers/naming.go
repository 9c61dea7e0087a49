package handlers

import (
	"strings"
	"unicode"
)

// QueueName builds the default queue for a handler: "<app>_<lower_snake(name)>".
// The app name is used as given.
func QueueName(appName, handlerName string) string {
	return strings.TrimSpace(appName) + "_" + LowerSnakeCase(handlerName)
}

// LowerSnakeCase turns "OrderCreatedHandler" into "order_created_handler".
// Acronyms stay together ("HTTPReport" becomes "http_report") and dashes,
// dots and spaces become underscores.
func LowerSnakeCase(name string) string {
	runes := []rune(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(runes) + 4)

	lastUnderscore := true
	for i, r := range runes {
		switch {
		case r == '-' || r == '.' || r == ' ' || r == '_':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		case unicode.IsUpper(r):
			if !lastUnderscore && i > 0 && wordBoundary(runes, i) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		default:
			b.WriteRune(r)
			lastUnderscore = false
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func wordBoundary(runes []rune, i int) bool {
	prev := runes[i-1]
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	return unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
}
