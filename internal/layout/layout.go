// Package layout decides where the artifacts of a video live on disk.
//
// Every video gets three files, one per tree:
//
//	<json root>/<author>/<description>/<video_id>.json
//	<video root>/<author>/<description>/<video_id>.mp4
//	<image root>/<author>/<description>/<video_id>.jpg
//
// Directory segments come from Sanitize, so the same inputs always produce the
// same paths, and file names carry the video id so two videos never collide.
package layout

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSegmentRunes caps the length of a sanitized directory segment.
const MaxSegmentRunes = 60

// Untitled replaces segments that sanitize to nothing.
const Untitled = "untitled"

// escaped lists characters that are percent-encoded in segments.
const escaped = `%/\<>:"|?*`

// Paths is the artifact set of one video.
type Paths struct {
	JSONPath  string
	VideoPath string
	ImagePath string
}

// TranscriptPath is the plain-text transcript stored next to the video.
func (p Paths) TranscriptPath() string {
	return strings.TrimSuffix(p.VideoPath, filepath.Ext(p.VideoPath)) + ".txt"
}

// Assignment is a path set together with the raw author and description it
// was derived from.
type Assignment struct {
	Paths
	Author      string
	Description string
}

// Resolver maps (video id, author, description) to paths.
type Resolver struct {
	jsonRoot  string
	videoRoot string
	imageRoot string
	aliases   map[string]string
}

// New returns a Resolver. aliases maps an author id to the folder name used
// instead of the author's display name.
func New(jsonRoot, videoRoot, imageRoot string, aliases map[string]string) *Resolver {
	cp := make(map[string]string, len(aliases))
	for k, v := range aliases {
		cp[k] = v
	}
	return &Resolver{
		jsonRoot:  jsonRoot,
		videoRoot: videoRoot,
		imageRoot: imageRoot,
		aliases:   cp,
	}
}

// AuthorName returns the folder name for an author: its alias when one is
// configured for authorID, otherwise the display name.
func (r *Resolver) AuthorName(authorID, displayName string) string {
	if alias, ok := r.aliases[authorID]; ok && alias != "" {
		return alias
	}
	return displayName
}

// Resolve returns the artifact paths for a video. It is pure: equal inputs
// give equal outputs.
func (r *Resolver) Resolve(videoID, author, description string) Paths {
	a := Sanitize(author)
	d := Sanitize(description)
	id := Sanitize(videoID)
	return Paths{
		JSONPath:  filepath.Join(r.jsonRoot, a, d, id+".json"),
		VideoPath: filepath.Join(r.videoRoot, a, d, id+".mp4"),
		ImagePath: filepath.Join(r.imageRoot, a, d, id+".jpg"),
	}
}

// Reconcile picks the paths for a video. When stored is non-nil the stored
// paths win, so files never move once indexed; if the metadata changed since
// they were stored, the returned discrepancy describes the change.
func (r *Resolver) Reconcile(videoID, author, description string, stored *Assignment) (Assignment, string) {
	if stored == nil {
		return Assignment{
			Paths:       r.Resolve(videoID, author, description),
			Author:      author,
			Description: description,
		}, ""
	}

	var diffs []string
	if stored.Author != author {
		diffs = append(diffs, fmt.Sprintf("author %q is now %q", stored.Author, author))
	}
	if stored.Description != description {
		diffs = append(diffs, fmt.Sprintf("description %q is now %q", clip(stored.Description), clip(description)))
	}
	if len(diffs) == 0 {
		return *stored, ""
	}
	return *stored, "Metadata changed since first download (" + strings.Join(diffs, "; ") + "); keeping stored paths."
}

// Sanitize turns arbitrary text into a single safe directory segment.
// Control characters are dropped, separators and reserved characters are
// percent-encoded, leading and trailing spaces and dots are trimmed, and the
// result is capped at MaxSegmentRunes. An empty result becomes Untitled.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == utf8.RuneError, unicode.IsControl(r):
			continue
		case strings.ContainsRune(escaped, r):
			fmt.Fprintf(&b, "%%%02X", r)
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), " .")
	out = truncate(out, MaxSegmentRunes)
	out = strings.TrimRight(out, " .")
	if out == "" {
		return Untitled
	}
	return out
}

// Unescape reverses the percent-encoding applied by Sanitize.
func Unescape(segment string) string {
	out, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return out
}

// truncate cuts s to at most n runes without splitting a %XX escape.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)[:n]
	for i := len(runes) - 1; i >= 0 && i >= len(runes)-2; i-- {
		if runes[i] == '%' {
			runes = runes[:i]
			break
		}
	}
	return string(runes)
}

func clip(s string) string {
	const max = 40
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
