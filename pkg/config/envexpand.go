package config

import (
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR_NAME}} placeholders in YAML content with the
// values of the corresponding environment variables. Variables that are not
// set expand to the empty string. If the content is not a valid template the
// original text is returned unchanged and the YAML parser reports the error.
func ExpandEnv(content string) string {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(content)
	if err != nil {
		return content
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, env); err != nil {
		return content
	}
	return sb.String()
}
