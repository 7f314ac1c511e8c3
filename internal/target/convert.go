package target

import (
	"encoding/base64"
	"fmt"
	"strings"
)

var converters = map[string]func(string) string{
	"base64":    func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) },
	"rot13":     rot13,
	"leetspeak": leetspeak,
	"reverse":   reverse,
}

// Convert applies the named converters to prompt in order.
func Convert(prompt string, names []string) (string, error) {
	for _, name := range names {
		fn, ok := converters[name]
		if !ok {
			return "", fmt.Errorf("unknown converter %q", name)
		}
		prompt = fn(prompt)
	}
	return prompt, nil
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}

var leet = strings.NewReplacer(
	"a", "4", "A", "4",
	"e", "3", "E", "3",
	"i", "1", "I", "1",
	"o", "0", "O", "0",
	"s", "5", "S", "5",
	"t", "7", "T", "7",
)

func leetspeak(s string) string { return leet.Replace(s) }

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
