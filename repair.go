package examprep

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// RepairJSON turns a model response into valid JSON, best effort.
// Input that is already valid JSON is returned trimmed and otherwise untouched,
// so RepairJSON(RepairJSON(x)) == RepairJSON(x) whenever the first call succeeds.
//
// Stages, in order: extract the first balanced {...} or [...] span; normalize
// smart quotes and control characters; strict parse; lenient parse (trailing
// commas, unquoted keys, single quotes, bare Python literals, truncation).
// A span that survives none of them is skipped in favour of the next one, so
// bracketed prose before the payload does not hide it. When no span parses the
// error is a *ParseError for the first span.
func RepairJSON(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	var first *ParseError
	for from := 0; from < len(raw); {
		start, span, complete := balancedSpan(raw[from:])
		if start < 0 {
			break
		}
		start += from
		out, err := repairSpan(raw, start, span, complete)
		if err == nil {
			return out, nil
		}
		if first == nil {
			first = err
		}
		if !complete {
			break
		}
		from = start + len(span)
	}
	if first == nil {
		return "", &ParseError{Raw: raw, Offset: 0, Err: errors.New("no JSON object or array found")}
	}
	return "", first
}

// repairSpan runs the normalize, strict and lenient stages on one span found
// at byte start of raw. The error offset is measured against raw.
func repairSpan(raw string, start int, span string, complete bool) (string, *ParseError) {
	norm := normalizeJSONText(span)
	if complete && json.Valid([]byte(norm)) {
		return norm, nil
	}
	lenient := lenientRewrite(norm)
	if json.Valid([]byte(lenient)) {
		return lenient, nil
	}

	strictErr := firstSyntaxError(span)
	pe := &ParseError{Raw: raw, Offset: int64(start), Err: strictErr}
	var se *json.SyntaxError
	if errors.As(strictErr, &se) {
		pe.Offset = int64(start) + se.Offset
	}
	return "", pe
}

// balancedSpan returns the first {...} or [...] span of s, scanning strings so
// brackets inside them are ignored. When s ends before the span closes the rest
// of s is returned with complete == false.
func balancedSpan(s string) (start int, span string, complete bool) {
	start = strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return start, s[start : i+1], true
			}
		}
	}
	return start, s[start:], false
}

func isSmartDouble(r rune) bool {
	switch r {
	case '“', '”', '„', '‟', '″', '«', '»':
		return true
	}
	return false
}

func isSmartSingle(r rune) bool {
	switch r {
	case '‘', '’', '‚', '‛', '′':
		return true
	}
	return false
}

// normalizeJSONText rewrites smart quotes and control characters.
// Smart double quotes delimit strings when found outside one and are escaped
// inside one; raw newlines and tabs inside strings become escapes; other
// control characters are dropped.
func normalizeJSONText(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inString := false
	smartOpened := false
	escaped := false
	for _, r := range s {
		if r == utf8.RuneError || r == '\ufeff' || r == '\u200b' {
			continue
		}
		if isSmartSingle(r) {
			r = '\''
		}
		if !inString {
			switch {
			case r == '"' || isSmartDouble(r):
				inString = true
				smartOpened = r != '"'
				sb.WriteByte('"')
			case r == ' ':
				sb.WriteByte(' ')
			case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
			default:
				sb.WriteRune(r)
			}
			continue
		}
		if escaped {
			escaped = false
			if r < 0x20 {
				// backslash already written
				if e := controlEscape(r); e != "" {
					sb.WriteString(e[1:])
				} else {
					sb.WriteByte('\\')
				}
				continue
			}
			sb.WriteRune(r)
			continue
		}
		switch {
		case r == '\\':
			escaped = true
			sb.WriteByte('\\')
		case r == '"' && !smartOpened, isSmartDouble(r) && smartOpened:
			inString = false
			sb.WriteByte('"')
		case r == '"' || isSmartDouble(r):
			sb.WriteString(`\"`)
		case r < 0x20:
			sb.WriteString(controlEscape(r))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// controlEscape returns the JSON escape for a control character, or "" when
// the character is dropped.
func controlEscape(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	}
	return ""
}

func firstSyntaxError(s string) error {
	var v interface{}
	err := json.Unmarshal([]byte(s), &v)
	if err == nil {
		return errors.New("unbalanced JSON span")
	}
	return err
}

// lenientRewrite fixes the usual hand-written-JSON mistakes and closes a
// truncated document. It works on normalized text.
func lenientRewrite(s string) string {
	var out strings.Builder
	out.Grow(len(s) + 16)
	var stack []byte
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			j, closed := scanString(s, i, '"')
			out.WriteString(s[i:j])
			if !closed {
				out.WriteByte('"')
			}
			i = j
		case c == '\'':
			j, closed := scanString(s, i, '\'')
			end := j
			if closed {
				end = j - 1
			}
			out.WriteString(requote(s[i+1 : end]))
			i = j
		case c == '{' || c == '[':
			stack = append(stack, c)
			out.WriteByte(c)
			i++
		case c == '}' || c == ']':
			trimTrailingComma(&out)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			out.WriteByte(c)
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			k := j
			for k < len(s) && isSpace(s[k]) {
				k++
			}
			inObject := len(stack) > 0 && stack[len(stack)-1] == '{'
			switch {
			case inObject && k < len(s) && s[k] == ':':
				out.WriteString(`"` + word + `"`)
			case word == "true" || word == "false" || word == "null":
				out.WriteString(word)
			case word == "True":
				out.WriteString("true")
			case word == "False":
				out.WriteString("false")
			case word == "None" || word == "undefined":
				out.WriteString("null")
			default:
				out.WriteString(requote(word))
			}
			i = j
		default:
			out.WriteByte(c)
			i++
		}
	}

	if len(stack) > 0 {
		trimTrailingComma(&out)
		text := strings.TrimRight(out.String(), " \t\r\n")
		if strings.HasSuffix(text, ":") {
			text += "null"
		} else if stack[len(stack)-1] == '{' && endsWithDanglingKey(text) {
			text += ":null"
		}
		out.Reset()
		out.WriteString(text)
		for n := len(stack) - 1; n >= 0; n-- {
			if stack[n] == '{' {
				out.WriteByte('}')
			} else {
				out.WriteByte(']')
			}
		}
	}
	return out.String()
}

// scanString returns the index just past the string starting at s[i] and
// whether its closing quote was found.
func scanString(s string, i int, quote byte) (int, bool) {
	escaped := false
	for j := i + 1; j < len(s); j++ {
		switch {
		case escaped:
			escaped = false
		case s[j] == '\\':
			escaped = true
		case s[j] == quote:
			return j + 1, true
		}
	}
	return len(s), false
}

// requote renders single-quoted or bare content as a JSON string.
func requote(content string) string {
	content = strings.ReplaceAll(content, `\'`, `'`)
	var sb strings.Builder
	sb.WriteByte('"')
	escaped := false
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
			sb.WriteByte(c)
		case c == '\\':
			escaped = true
			sb.WriteByte(c)
		case c == '"':
			sb.WriteString(`\"`)
		default:
			sb.WriteByte(c)
		}
	}
	if escaped {
		sb.WriteByte('\\')
	}
	sb.WriteByte('"')
	return sb.String()
}

func trimTrailingComma(b *strings.Builder) {
	text := strings.TrimRight(b.String(), " \t\r\n")
	if strings.HasSuffix(text, ",") {
		b.Reset()
		b.WriteString(strings.TrimSuffix(text, ","))
	}
}

// endsWithDanglingKey reports whether text ends in `{"key"` or `,"key"`.
func endsWithDanglingKey(text string) bool {
	if !strings.HasSuffix(text, `"`) || len(text) < 2 {
		return false
	}
	// walk back to the opening quote of the final string
	i := len(text) - 2
	for i >= 0 {
		if text[i] == '"' && (i == 0 || text[i-1] != '\\') {
			break
		}
		i--
	}
	if i <= 0 {
		return false
	}
	prev := strings.TrimRight(text[:i], " \t\r\n")
	return strings.HasSuffix(prev, "{") || strings.HasSuffix(prev, ",")
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
