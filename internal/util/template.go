package util

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/go-json-experiment/json"
)

// noValue is what text/template prints for missing map keys.
const noValue = "<no value>"

var templateFuncs = template.FuncMap{
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}

		return v
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []any) string {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, fmt.Sprint(it))
		}

		return strings.Join(parts, sep)
	},
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v, json.Deterministic(true))
		return string(b), err
	},
}

// parsed caches templates by source text; definitions render the same
// instruction on every run.
var parsed sync.Map // string -> *template.Template

// RenderTemplate renders text with vars using text/template. Text without
// "{{" is returned unchanged and missing keys render empty.
func RenderTemplate(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := lookupTemplate(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", err
	}

	return strings.ReplaceAll(sb.String(), noValue, ""), nil
}

func lookupTemplate(text string) (*template.Template, error) {
	if t, ok := parsed.Load(text); ok {
		return t.(*template.Template), nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	actual, _ := parsed.LoadOrStore(text, t)

	return actual.(*template.Template), nil
}
