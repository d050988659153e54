package command

import "strings"

// Template models the template-literal-style composition surface from
// §4.1 in a language without tagged templates: Parts are the literal
// segments and Values are the already-awaited interpolated values (string
// representations), one fewer than len(Parts). Composition is deferred
// until the adapter (and therefore its escaping rule) is known.
type Template struct {
	Parts  []string
	Values []string
	Raw    bool // Engine.raw: values are inserted without escaping
}

// NewTemplate validates and constructs a Template. An empty template with no
// interpolations is a ValidationError case the caller must check for (§8).
func NewTemplate(parts []string, values []string) *Template {
	return &Template{Parts: parts, Values: values}
}

// IsEmpty reports the §8 boundary case: "Empty template string with no
// interpolations: ValidationError".
func (t *Template) IsEmpty() bool {
	if len(t.Values) != 0 {
		return false
	}
	for _, p := range t.Parts {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}

// Render composes the final command-line string using the escaping rule
// appropriate for the eventual adapter.
func (t *Template) Render(kind AdapterKind) string {
	escape := Escaper(kind)
	var b strings.Builder
	for i, p := range t.Parts {
		b.WriteString(p)
		if i < len(t.Values) {
			if t.Raw {
				b.WriteString(stripNulls(t.Values[i]))
			} else {
				b.WriteString(escape(t.Values[i]))
			}
		}
	}
	return b.String()
}

// Builder is the non-template-literal sugar described in the design notes:
// cmd("echo").Arg(value) / cmdf("echo %s", value). Each Arg is escaped the
// same way a templated interpolation would be.
type Builder struct {
	program string
	args    []string
	raw     bool
}

// NewBuilder starts a Builder for the given program (argv head).
func NewBuilder(program string) *Builder {
	return &Builder{program: program}
}

// Arg appends an argument, escaped per the target adapter at render time.
func (b *Builder) Arg(value string) *Builder {
	b.args = append(b.args, value)
	return b
}

// Raw marks every appended argument as caller-asserted safe (no escaping).
func (b *Builder) Raw() *Builder {
	b.raw = true
	return b
}

// ToTemplate converts the Builder into an equivalent Template so both
// construction styles share one rendering path.
func (b *Builder) ToTemplate() *Template {
	parts := make([]string, len(b.args)+1)
	parts[0] = b.program + " "
	for i := range b.args {
		if i+1 < len(parts) {
			parts[i+1] = " "
		}
	}
	return &Template{Parts: parts, Values: append([]string(nil), b.args...), Raw: b.raw}
}
