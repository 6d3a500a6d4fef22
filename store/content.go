// ABOUTME: Tagged content union carried by room events
// ABOUTME: Each variant holds enough to render losslessly on a capable channel

package store

import (
	"errors"
	"fmt"
)

// ContentKind discriminates the content union.
type ContentKind string

const (
	KindText      ContentKind = "text"
	KindRich      ContentKind = "rich"
	KindMedia     ContentKind = "media"
	KindLocation  ContentKind = "location"
	KindAudio     ContentKind = "audio"
	KindVideo     ContentKind = "video"
	KindComposite ContentKind = "composite"
	KindSystem    ContentKind = "system"
	KindTemplate  ContentKind = "template"
)

// MaxCompositeDepth bounds nesting of composite content.
const MaxCompositeDepth = 5

// ErrCompositeTooDeep is returned by Validate when composite parts nest
// beyond MaxCompositeDepth.
var ErrCompositeTooDeep = errors.New("composite content nested too deep")

// RichContent is formatted content with an HTML body and interactive
// affordances. Fallback is the plain-text rendition used when the target
// cannot render rich content.
type RichContent struct {
	HTML         string
	Fallback     string
	Buttons      []Button
	Cards        []Card
	QuickReplies []string
}

// Button is a tappable action on rich content.
type Button struct {
	Label string
	Value string
	URL   string
}

// Card is a structured sub-unit of rich content.
type Card struct {
	Title    string
	Subtitle string
	ImageURL string
	Buttons  []Button
}

// MediaContent is an image or document reference.
type MediaContent struct {
	URL      string
	MimeType string
	Caption  string
}

// LocationContent is a geographic point with an optional label.
type LocationContent struct {
	Latitude  float64
	Longitude float64
	Label     string
}

// AudioContent is a voice clip with an optional transcript.
type AudioContent struct {
	URL        string
	Transcript string
}

// VideoContent is a video reference with an optional thumbnail.
type VideoContent struct {
	URL       string
	Thumbnail string
}

// SystemContent is a machine-readable notice.
type SystemContent struct {
	Code string
	Data map[string]any
}

// TemplateContent references a pre-registered message template.
type TemplateContent struct {
	TemplateID string
	Body       string
	Params     map[string]string
}

// Content is the tagged union of everything an event can carry. Kind
// selects the variant; exactly one corresponding field is meaningful.
type Content struct {
	Kind      ContentKind
	Text      string
	Rich      *RichContent
	Media     *MediaContent
	Location  *LocationContent
	Audio     *AudioContent
	Video     *VideoContent
	Parts     []Content
	System    *SystemContent
	Template  *TemplateContent
}

// TextContent builds a plain text content value.
func TextContent(text string) Content {
	return Content{Kind: KindText, Text: text}
}

// RichContentOf builds a rich content value.
func RichContentOf(rich RichContent) Content {
	return Content{Kind: KindRich, Rich: &rich}
}

// MediaContentOf builds a media content value.
func MediaContentOf(media MediaContent) Content {
	return Content{Kind: KindMedia, Media: &media}
}

// LocationContentOf builds a location content value.
func LocationContentOf(loc LocationContent) Content {
	return Content{Kind: KindLocation, Location: &loc}
}

// AudioContentOf builds an audio content value.
func AudioContentOf(audio AudioContent) Content {
	return Content{Kind: KindAudio, Audio: &audio}
}

// VideoContentOf builds a video content value.
func VideoContentOf(video VideoContent) Content {
	return Content{Kind: KindVideo, Video: &video}
}

// CompositeContent builds a composite from parts, in order.
func CompositeContent(parts ...Content) Content {
	return Content{Kind: KindComposite, Parts: parts}
}

// SystemContentOf builds a system content value.
func SystemContentOf(code string, data map[string]any) Content {
	return Content{Kind: KindSystem, System: &SystemContent{Code: code, Data: data}}
}

// TemplateContentOf builds a template content value.
func TemplateContentOf(tpl TemplateContent) Content {
	return Content{Kind: KindTemplate, Template: &tpl}
}

// Validate checks structural invariants of the content value: a known
// kind, the matching variant field populated, and composite nesting within
// MaxCompositeDepth.
func (c Content) Validate() error {
	return c.validate(1)
}

func (c Content) validate(depth int) error {
	switch c.Kind {
	case KindText:
		return nil
	case KindRich:
		if c.Rich == nil {
			return fmt.Errorf("rich content missing body")
		}
	case KindMedia:
		if c.Media == nil || c.Media.URL == "" {
			return fmt.Errorf("media content missing url")
		}
	case KindLocation:
		if c.Location == nil {
			return fmt.Errorf("location content missing coordinates")
		}
	case KindAudio:
		if c.Audio == nil || c.Audio.URL == "" {
			return fmt.Errorf("audio content missing url")
		}
	case KindVideo:
		if c.Video == nil || c.Video.URL == "" {
			return fmt.Errorf("video content missing url")
		}
	case KindComposite:
		if depth > MaxCompositeDepth {
			return ErrCompositeTooDeep
		}
		for _, part := range c.Parts {
			if err := part.validate(depth + 1); err != nil {
				return err
			}
		}
	case KindSystem:
		if c.System == nil || c.System.Code == "" {
			return fmt.Errorf("system content missing code")
		}
	case KindTemplate:
		if c.Template == nil || c.Template.TemplateID == "" {
			return fmt.Errorf("template content missing template id")
		}
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	return nil
}
