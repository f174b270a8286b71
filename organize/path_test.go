package organize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeComponent(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Book: One", "Book One"},
		{"J. Doe", "J Doe"},
		{`What <is> "this"?`, "What is this"},
		{"Trailing dots...", "Trailing dots"},
		{"a/b\\c|d*e", "abcde"},
		{"", "Untitled"},
		{"...", "Untitled"},
		{"  spaced   out  ", "spaced out"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, SanitizeComponent(c.in), "input %q", c.in)
	}
}

func TestRelativePath(t *testing.T) {
	require.Equal(t, "J Doe/Book One", RelativePath("J. Doe", "Book: One", ""))
	require.Equal(t, "J Doe/Saga/Book One", RelativePath("J. Doe", "Book: One", "Saga"))
	require.Equal(t, "Untitled/Untitled", RelativePath("", "", ""))
}
