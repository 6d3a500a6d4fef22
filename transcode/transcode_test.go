// ABOUTME: Tests for capability-aware content transcoding
// ABOUTME: Covers every downgrade rule, composite flattening, and failures

package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomkit-live/roomkit/store"
)

var textOnly = store.TextOnly()

func TestTranscode_TextPassesUnchanged(t *testing.T) {
	got, err := Transcode(store.TextContent("hi"), textOnly)
	require.NoError(t, err)
	assert.Equal(t, store.TextContent("hi"), got)
}

func TestTranscode_NativeSupportPassesThrough(t *testing.T) {
	caps := store.Capabilities{Content: []store.ContentKind{store.KindText, store.KindRich}}
	rich := store.RichContentOf(store.RichContent{HTML: "<b>Hi</b>", Fallback: "Hi"})

	got, err := Transcode(rich, caps)
	require.NoError(t, err)
	assert.Equal(t, store.KindRich, got.Kind)
}

func TestTranscode_RichFallsBackToText(t *testing.T) {
	rich := store.RichContentOf(store.RichContent{HTML: "<b>Hi</b>", Fallback: "Hi"})
	got, err := Transcode(rich, textOnly)
	require.NoError(t, err)
	assert.Equal(t, store.TextContent("Hi"), got)
}

func TestTranscode_MediaToText(t *testing.T) {
	withCaption := store.MediaContentOf(store.MediaContent{URL: "https://x/a.png", Caption: "a chart"})
	got, err := Transcode(withCaption, textOnly)
	require.NoError(t, err)
	assert.Equal(t, "a chart https://x/a.png", got.Text)

	bare := store.MediaContentOf(store.MediaContent{URL: "https://x/a.png"})
	got, err = Transcode(bare, textOnly)
	require.NoError(t, err)
	assert.Equal(t, "https://x/a.png", got.Text)
}

func TestTranscode_LocationToText(t *testing.T) {
	loc := store.LocationContentOf(store.LocationContent{Latitude: 37.77, Longitude: -122.42, Label: "HQ"})
	got, err := Transcode(loc, textOnly)
	require.NoError(t, err)
	assert.Equal(t, "[Location: HQ (37.77, -122.42)]", got.Text)
}

func TestTranscode_AudioToText(t *testing.T) {
	withTranscript := store.AudioContentOf(store.AudioContent{URL: "https://x/v.ogg", Transcript: "call me back"})
	got, err := Transcode(withTranscript, textOnly)
	require.NoError(t, err)
	assert.Equal(t, "call me back", got.Text)

	bare := store.AudioContentOf(store.AudioContent{URL: "https://x/v.ogg"})
	got, err = Transcode(bare, textOnly)
	require.NoError(t, err)
	assert.Equal(t, "[Voice message]", got.Text)
}

func TestTranscode_VideoToText(t *testing.T) {
	video := store.VideoContentOf(store.VideoContent{URL: "https://x/v.mp4"})
	got, err := Transcode(video, textOnly)
	require.NoError(t, err)
	assert.Equal(t, "[Video: https://x/v.mp4]", got.Text)
}

func TestTranscode_TemplateToText(t *testing.T) {
	tpl := store.TemplateContentOf(store.TemplateContent{TemplateID: "welcome", Body: "Welcome aboard"})
	got, err := Transcode(tpl, textOnly)
	require.NoError(t, err)
	assert.Equal(t, "Welcome aboard", got.Text)
}

func TestTranscode_CompositeFlattensInOrder(t *testing.T) {
	composite := store.CompositeContent(
		store.TextContent("first"),
		store.MediaContentOf(store.MediaContent{URL: "https://x/a.png", Caption: "pic"}),
		store.CompositeContent(
			store.TextContent("nested"),
			store.VideoContentOf(store.VideoContent{URL: "https://x/v.mp4"}),
		),
	)

	got, err := Transcode(composite, textOnly)
	require.NoError(t, err)
	assert.Equal(t, store.KindText, got.Kind, "no nested composites may remain")
	assert.Equal(t, "first\npic https://x/a.png\nnested\n[Video: https://x/v.mp4]", got.Text)
}

func TestTranscode_CompositeMatchesPartwiseTranscode(t *testing.T) {
	a := store.TextContent("a")
	b := store.RichContentOf(store.RichContent{HTML: "<i>b</i>", Fallback: "b"})

	whole, err := Transcode(store.CompositeContent(a, b), textOnly)
	require.NoError(t, err)

	ta, err := Transcode(a, textOnly)
	require.NoError(t, err)
	tb, err := Transcode(b, textOnly)
	require.NoError(t, err)

	assert.Equal(t, ta.Text+"\n"+tb.Text, whole.Text)
}

func TestTranscode_SystemContentNotTranscodable(t *testing.T) {
	sys := store.SystemContentOf("room_notice", nil)
	_, err := Transcode(sys, textOnly)
	assert.ErrorIs(t, err, ErrNotTranscodable)
}

func TestTranscode_NoTextCapability(t *testing.T) {
	caps := store.Capabilities{Content: []store.ContentKind{store.KindMedia}}
	_, err := Transcode(store.RichContentOf(store.RichContent{Fallback: "x"}), caps)
	assert.ErrorIs(t, err, ErrNotTranscodable)
}

func TestEnforceMaxLength(t *testing.T) {
	caps := store.Capabilities{Content: []store.ContentKind{store.KindText}, MaxLength: 5, TruncateOverflow: true}
	got, ok := EnforceMaxLength(store.TextContent("hello world"), caps)
	assert.True(t, ok)
	assert.Equal(t, "hello", got.Text)

	caps.TruncateOverflow = false
	_, ok = EnforceMaxLength(store.TextContent("hello world"), caps)
	assert.False(t, ok)

	got, ok = EnforceMaxLength(store.TextContent("hi"), caps)
	assert.True(t, ok)
	assert.Equal(t, "hi", got.Text)
}
