// Package persona holds the agent's presentation identity: a name and an
// output style that front-ends may use to render replies.
package persona

// Output styles.
const (
	StyleNeutral  = "neutral"
	StyleFormal   = "formal"
	StyleFriendly = "friendly"
)

// Persona is an immutable snapshot of the agent identity threaded through
// workflow contexts and prompts.
type Persona struct {
	Name  string `json:"name"`
	Style string `json:"style"`
}

// Default returns the stock persona used when none is configured.
func Default() Persona {
	return Persona{
		Name:  "Robo",
		Style: StyleNeutral,
	}
}

// New creates a persona, falling back to defaults for empty fields.
func New(name, style string) Persona {
	p := Default()
	if name != "" {
		p.Name = name
	}
	switch style {
	case StyleNeutral, StyleFormal, StyleFriendly:
		p.Style = style
	}
	return p
}
