package vision

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	danglingComma = regexp.MustCompile(`,\s*$`)
)

// parseOutcome is what the repair ladder recovered from a model response.
type parseOutcome struct {
	obj      map[string]json.RawMessage
	repaired bool
}

// parseResponse strips wrapping, tries a strict parse, then the repair
// heuristics in order, re-parsing after each. It returns ok=false when the
// text is beyond repair.
func parseResponse(raw string) (parseOutcome, bool) {
	text := stripWrapping(raw)
	if obj, ok := decodeObject(text); ok {
		return parseOutcome{obj: obj}, true
	}

	noCommas := removeTrailingCommas(text)
	candidates := []string{
		noCommas,
		removeTrailingCommas(closeBrackets(noCommas)),
		removeTrailingCommas(closeBrackets(closeQuote(noCommas))),
	}
	for _, c := range candidates {
		if obj, ok := decodeObject(c); ok {
			return parseOutcome{obj: obj, repaired: true}, true
		}
	}
	return parseOutcome{}, false
}

// stripWrapping removes code fences and any prose before the object.
func stripWrapping(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	return s
}

// decodeObject parses the first JSON object in s. Text after the object
// is ignored.
func decodeObject(s string) (map[string]json.RawMessage, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.NewDecoder(strings.NewReader(s)).Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

func removeTrailingCommas(s string) string {
	s = trailingComma.ReplaceAllString(s, "$1")
	return danglingComma.ReplaceAllString(s, "")
}

// closeBrackets appends the closers for every brace and bracket still open
// outside of strings.
func closeBrackets(s string) string {
	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s, " \t\r\n"))
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// closeQuote terminates a string cut off mid-value.
func closeQuote(s string) string {
	count := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			count++
		}
	}
	if count%2 == 1 {
		return s + `"`
	}
	return s
}
