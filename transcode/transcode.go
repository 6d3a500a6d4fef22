// ABOUTME: Capability-aware content downgrade for target bindings
// ABOUTME: Pure function over (content variant, capabilities); no channel I/O

package transcode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roomkit-live/roomkit/store"
)

// ErrNotTranscodable is returned when content cannot be expressed on the
// target channel. The router skips such targets and reports a
// transcoding failure.
var ErrNotTranscodable = errors.New("content not transcodable for target")

// Transcode returns a content value the target capabilities can render.
// Content the target supports natively passes through unchanged; anything
// else is downgraded to text when the target renders text.
func Transcode(c store.Content, caps store.Capabilities) (store.Content, error) {
	if caps.Supports(c.Kind) && c.Kind != store.KindComposite {
		return c, nil
	}
	if c.Kind == store.KindComposite && caps.Supports(store.KindComposite) {
		// Parts still need transcoding individually for this target.
		parts := make([]store.Content, 0, len(c.Parts))
		for _, part := range c.Parts {
			tp, err := Transcode(part, caps)
			if err != nil {
				return store.Content{}, err
			}
			parts = append(parts, tp)
		}
		return store.CompositeContent(parts...), nil
	}
	if !caps.Supports(store.KindText) {
		return store.Content{}, ErrNotTranscodable
	}
	text, err := toText(c)
	if err != nil {
		return store.Content{}, err
	}
	return store.TextContent(text), nil
}

// toText renders any content variant as plain text. Composite parts are
// rendered in order and joined with newlines, so no nesting survives.
func toText(c store.Content) (string, error) {
	switch c.Kind {
	case store.KindText:
		return c.Text, nil

	case store.KindRich:
		if c.Rich == nil {
			return "", ErrNotTranscodable
		}
		return c.Rich.Fallback, nil

	case store.KindMedia:
		if c.Media == nil {
			return "", ErrNotTranscodable
		}
		if c.Media.Caption != "" {
			return c.Media.Caption + " " + c.Media.URL, nil
		}
		return c.Media.URL, nil

	case store.KindLocation:
		if c.Location == nil {
			return "", ErrNotTranscodable
		}
		return fmt.Sprintf("[Location: %s (%v, %v)]", c.Location.Label, c.Location.Latitude, c.Location.Longitude), nil

	case store.KindAudio:
		if c.Audio == nil {
			return "", ErrNotTranscodable
		}
		if c.Audio.Transcript != "" {
			return c.Audio.Transcript, nil
		}
		return "[Voice message]", nil

	case store.KindVideo:
		if c.Video == nil {
			return "", ErrNotTranscodable
		}
		return fmt.Sprintf("[Video: %s]", c.Video.URL), nil

	case store.KindComposite:
		parts := make([]string, 0, len(c.Parts))
		for _, part := range c.Parts {
			text, err := toText(part)
			if err != nil {
				return "", err
			}
			parts = append(parts, text)
		}
		return strings.Join(parts, "\n"), nil

	case store.KindTemplate:
		if c.Template == nil {
			return "", ErrNotTranscodable
		}
		return c.Template.Body, nil

	case store.KindSystem:
		// System notices are machine-readable; there is no user-facing
		// text rendition.
		return "", ErrNotTranscodable
	}
	return "", ErrNotTranscodable
}

// EnforceMaxLength applies a target's length limit to text content.
// Returns the (possibly truncated) content and true when the event may be
// delivered, or false when the policy rejects it. Non-text content and
// targets without a limit pass through.
func EnforceMaxLength(c store.Content, caps store.Capabilities) (store.Content, bool) {
	if caps.MaxLength <= 0 || c.Kind != store.KindText {
		return c, true
	}
	runes := []rune(c.Text)
	if len(runes) <= caps.MaxLength {
		return c, true
	}
	if !caps.TruncateOverflow {
		return c, false
	}
	return store.TextContent(string(runes[:caps.MaxLength])), true
}
