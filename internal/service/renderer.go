// internal/service/renderer.go
package service

import (
	"regexp"
)

// Renderer substitutes placeholder values into campaign content.
type Renderer interface {
	Render(content string, vars map[string]string) (string, error)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// PlaceholderRenderer replaces {{name}}-style placeholders whose name is a key
// of vars. Everything else, including unknown placeholders and template-like
// markup, is left as written.
type PlaceholderRenderer struct{}

func NewPlaceholderRenderer() PlaceholderRenderer {
	return PlaceholderRenderer{}
}

func (PlaceholderRenderer) Render(content string, vars map[string]string) (string, error) {
	return placeholderPattern.ReplaceAllStringFunc(content, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return token
	}), nil
}
