package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"text/template"
)

const templateExt = ".tmpl"

// TemplateData is the value templated launch files are rendered against.
type TemplateData struct {
	ConfigDir  string
	ConfigPath string
	Env        map[string]string
	Vars       map[string]string
	Platform   string
}

func renderTemplate(path string, data []byte, vars map[string]string) ([]byte, error) {
	funcs := template.FuncMap{
		"default": func(fallback, value string) string {
			if value == "" {
				return fallback
			}
			return value
		},
		"quote": func(value string) string {
			return fmt.Sprintf("%q", value)
		},
		"join":  filepath.Join,
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
	}

	tmpl, err := template.New(filepath.Base(path)).
		Option("missingkey=error").
		Funcs(funcs).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	if vars == nil {
		vars = map[string]string{}
	}
	ctx := TemplateData{
		ConfigDir:  filepath.Dir(path),
		ConfigPath: path,
		Env:        environMap(os.Environ()),
		Vars:       vars,
		Platform:   goruntime.GOOS,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.Bytes(), nil
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}
