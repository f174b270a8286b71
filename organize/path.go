package organize

import (
	"path"
	"regexp"
	"strings"
)

// Characters that are unsafe in a directory component on at least one of the
// filesystems the library may sit on. Dots are stripped too so that initials
// and trailing ellipses don't produce awkward folder names.
var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*.]`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// SanitizeComponent turns free-form metadata into a single safe path
// component. Empty results fall back to "Untitled" so a degenerate title can
// never collapse the layout.
func SanitizeComponent(s string) string {
	s = unsafeChars.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "Untitled"
	}
	return s
}

// RelativePath builds the slash-separated library path for an entry:
// Author/Title, or Author/Series/Title when a series is known.
func RelativePath(author, title, series string) string {
	if series != "" {
		return path.Join(SanitizeComponent(author), SanitizeComponent(series), SanitizeComponent(title))
	}
	return path.Join(SanitizeComponent(author), SanitizeComponent(title))
}
