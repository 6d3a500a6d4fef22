// Package transcode downgrades event content to what a target binding's
// declared capabilities can render. Transcoding is a pure total function
// over (variant, capabilities): it either produces renderable content or
// reports ErrNotTranscodable.
package transcode
