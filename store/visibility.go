// ABOUTME: Visibility filters and channel capability declarations
// ABOUTME: Controls which bindings see an event and what content they can render

package store

import "strings"

// Visibility controls which bindings an event is broadcast to. Beyond the
// named values, a visibility may be a single channel id or a
// comma-separated set of channel ids.
type Visibility string

const (
	VisibilityAll          Visibility = "all"
	VisibilityNone         Visibility = "none"
	VisibilityTransport    Visibility = "transport"
	VisibilityIntelligence Visibility = "intelligence"
)

// Allows reports whether a binding passes this visibility filter. The
// empty visibility behaves like "all".
func (v Visibility) Allows(b *Binding) bool {
	switch v {
	case "", VisibilityAll:
		return true
	case VisibilityNone:
		return false
	case VisibilityTransport:
		return b.Category == CategoryTransport
	case VisibilityIntelligence:
		return b.Category == CategoryIntelligence
	}
	for _, id := range strings.Split(string(v), ",") {
		if strings.TrimSpace(id) == b.ChannelID {
			return true
		}
	}
	return false
}

// Capabilities declares what a channel can render: the content kinds it
// accepts, an optional maximum text length, and free-form feature flags.
type Capabilities struct {
	Content   []ContentKind `yaml:"content"`
	MaxLength int           `yaml:"max_length"`
	// TruncateOverflow selects the over-length policy: truncate the text
	// when true, reject the delivery when false.
	TruncateOverflow bool     `yaml:"truncate_overflow"`
	Features         []string `yaml:"features"`
}

// Supports reports whether the channel advertises the given content kind.
func (c Capabilities) Supports(kind ContentKind) bool {
	for _, k := range c.Content {
		if k == kind {
			return true
		}
	}
	return false
}

// HasFeature reports whether a free-form feature flag is declared.
func (c Capabilities) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// TextOnly is a convenience capability set for channels that render
// nothing but plain text.
func TextOnly() Capabilities {
	return Capabilities{Content: []ContentKind{KindText}}
}
