package alerts

import "strings"

// render substitutes named placeholders of the fixed form "{name}" in tmpl
// against ctx. Unknown placeholders are left verbatim rather than erroring,
// since a template authored against a future change type should degrade
// rather than break alerting for every other type.
func render(tmpl string, ctx map[string]string) string {
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		if tmpl[i] == '{' {
			if end := strings.IndexByte(tmpl[i:], '}'); end > 0 {
				name := tmpl[i+1 : i+end]
				if v, ok := ctx[name]; ok {
					b.WriteString(v)
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(tmpl[i])
		i++
	}
	return b.String()
}
