// Package template renders question and image-path templates against item fields.
//
// A template references item fields as {name}. Literal braces are written {{ and }}.
package template

import (
	"fmt"
	"strings"
)

// FormatError reports a template that cannot be rendered with the given fields.
type FormatError struct {
	Template string
	Field    string
	Reason   string
}

func (e *FormatError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("format %q: field %q: %s", e.Template, e.Field, e.Reason)
	}
	return fmt.Sprintf("format %q: %s", e.Template, e.Reason)
}

// Render substitutes every {name} placeholder in tmpl with fields[name].
func Render(tmpl string, fields map[string]string) (string, error) {
	if !strings.ContainsAny(tmpl, "{}") {
		return tmpl, nil
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexAny(tmpl[i+1:], "{}")
			if end < 0 || tmpl[i+1+end] != '}' {
				return "", &FormatError{Template: tmpl, Reason: "expected '}' before end of string"}
			}
			name := tmpl[i+1 : i+1+end]
			if err := checkFieldName(tmpl, name); err != nil {
				return "", err
			}
			value, ok := fields[name]
			if !ok {
				return "", &FormatError{Template: tmpl, Field: name, Reason: "no such item field"}
			}
			b.WriteString(value)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", &FormatError{Template: tmpl, Reason: "single '}' encountered"}
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func checkFieldName(tmpl, name string) error {
	switch {
	case name == "":
		return &FormatError{Template: tmpl, Reason: "positional fields are not supported"}
	case strings.ContainsAny(name, "!:"):
		return &FormatError{Template: tmpl, Field: name, Reason: "conversions and format specs are not supported"}
	case strings.ContainsAny(name, ".["):
		return &FormatError{Template: tmpl, Field: name, Reason: "attribute and index access are not supported"}
	case isDigits(name):
		return &FormatError{Template: tmpl, Field: name, Reason: "positional fields are not supported"}
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
