package runtime

import (
	"embed"
	"os"
	"sort"
	"strings"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

// renderTemplate substitutes $VAR / ${VAR} references, leaving unknown
// variables untouched so partially-templated files survive rendering.
func renderTemplate(src string, values map[string]string) string {
	return os.Expand(src, func(name string) string {
		if v, ok := values[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

// resolveTemplate prefers the operator-configured path and falls back to
// the embedded copy shipped with the binary.
func resolveTemplate(configured, name string) (string, error) {
	if configured != "" {
		if data, err := os.ReadFile(configured); err == nil {
			return string(data), nil
		}
	}
	data, err := builtinTemplates.ReadFile("templates/" + name)
	if err != nil {
		return "", errf(CodeTemplateMissing, "template not found for %s", name)
	}
	return string(data), nil
}

// serializeEnv renders an env map as sorted KEY=VALUE lines with newlines
// escaped, matching what compose env_file accepts.
func serializeEnv(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(values[k], "\n", "\\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// parseEnv reads KEY=VALUE lines, skipping blanks and comments.
func parseEnv(src string) map[string]string {
	out := make(map[string]string)
	for _, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}
