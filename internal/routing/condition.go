package routing

import (
	"fmt"
	"strings"
)

// translateCondition rewrites a routing condition from the configuration
// dialect into the expression dialect of the evaluator: `=` becomes `==`,
// `&` becomes `&&`, `|` becomes `||`, single-quoted strings become
// double-quoted and `~ /regex/flags` becomes `=~ "regex"`. Conditions
// already written in the evaluator dialect pass through unchanged.
func translateCondition(cond string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(cond) {
		switch ch := cond[i]; ch {
		case '\'':
			literal, next, err := readSingleQuoted(cond, i)
			if err != nil {
				return "", err
			}
			out.WriteString(literal)
			i = next
		case '"':
			literal, next, err := readDoubleQuoted(cond, i)
			if err != nil {
				return "", err
			}
			out.WriteString(literal)
			i = next
		case '=':
			if i+1 < len(cond) && (cond[i+1] == '=' || cond[i+1] == '~') {
				out.WriteByte('=')
				out.WriteByte(cond[i+1])
				i += 2
			} else {
				out.WriteString("==")
				i++
			}
		case '!':
			out.WriteByte('!')
			i++
			if i < len(cond) && cond[i] == '=' {
				out.WriteByte('=')
				i++
			}
		case '<', '>':
			out.WriteByte(ch)
			i++
			if i < len(cond) && cond[i] == '=' {
				out.WriteByte('=')
				i++
			}
		case '&':
			out.WriteString("&&")
			i++
			if i < len(cond) && cond[i] == '&' {
				i++
			}
		case '|':
			out.WriteString("||")
			i++
			if i < len(cond) && cond[i] == '|' {
				i++
			}
		case '~':
			regex, next, err := readRegexOperand(cond, i+1)
			if err != nil {
				return "", err
			}
			out.WriteString("=~ ")
			out.WriteString(regex)
			i = next
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return out.String(), nil
}

// readSingleQuoted converts a single-quoted string literal starting at
// position i into a double-quoted one.
func readSingleQuoted(cond string, i int) (string, int, error) {
	var lit strings.Builder
	lit.WriteByte('"')
	j := i + 1
	for j < len(cond) {
		switch cond[j] {
		case '\\':
			if j+1 >= len(cond) {
				return "", 0, fmt.Errorf("unterminated escape in condition %q", cond)
			}
			// \' has no meaning inside a double-quoted literal.
			if cond[j+1] == '\'' {
				lit.WriteByte('\'')
			} else {
				lit.WriteByte('\\')
				lit.WriteByte(cond[j+1])
			}
			j += 2
		case '\'':
			lit.WriteByte('"')
			return lit.String(), j + 1, nil
		case '"':
			lit.WriteString(`\"`)
			j++
		default:
			lit.WriteByte(cond[j])
			j++
		}
	}
	return "", 0, fmt.Errorf("unterminated string literal in condition %q", cond)
}

// readDoubleQuoted passes a double-quoted string literal through verbatim.
func readDoubleQuoted(cond string, i int) (string, int, error) {
	j := i + 1
	for j < len(cond) {
		switch cond[j] {
		case '\\':
			j += 2
		case '"':
			return cond[i : j+1], j + 1, nil
		default:
			j++
		}
	}
	return "", 0, fmt.Errorf("unterminated string literal in condition %q", cond)
}

// readRegexOperand reads the operand of the `~` operator and returns it as
// a double-quoted string literal. The operand is either a JS-style regex
// literal (/pattern/flags) or a quoted string.
func readRegexOperand(cond string, i int) (string, int, error) {
	for i < len(cond) && cond[i] == ' ' {
		i++
	}
	if i >= len(cond) {
		return "", 0, fmt.Errorf("missing regex operand in condition %q", cond)
	}

	switch cond[i] {
	case '\'':
		return readSingleQuoted(cond, i)
	case '"':
		return readDoubleQuoted(cond, i)
	case '/':
		// fall through to the literal parser below
	default:
		return "", 0, fmt.Errorf("invalid regex operand in condition %q", cond)
	}

	var pattern strings.Builder
	j := i + 1
	for j < len(cond) && cond[j] != '/' {
		if cond[j] == '\\' && j+1 < len(cond) {
			if cond[j+1] == '/' {
				pattern.WriteByte('/')
			} else {
				pattern.WriteByte('\\')
				pattern.WriteByte(cond[j+1])
			}
			j += 2
			continue
		}
		pattern.WriteByte(cond[j])
		j++
	}
	if j >= len(cond) {
		return "", 0, fmt.Errorf("unterminated regex literal in condition %q", cond)
	}

	// Consume trailing JS regex flags, honoring the ones Go understands.
	j++
	prefix := ""
	for j < len(cond) && cond[j] >= 'a' && cond[j] <= 'z' {
		switch cond[j] {
		case 'i':
			prefix += "(?i)"
		case 'm':
			prefix += "(?m)"
		case 's':
			prefix += "(?s)"
		}
		j++
	}

	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(prefix + pattern.String())
	return `"` + quoted + `"`, j, nil
}
