package changetree

import (
	"strings"

	"github.com/go-openapi/jsonpointer"
)

// splitPointer validates pointer as RFC 6901 (via go-openapi/jsonpointer,
// which the wider example pool already depends on transitively through its
// go-openapi/* suite) and returns its unescaped segments. "" means the root
// and yields zero segments; "/" yields one empty segment (the "" key).
func splitPointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if _, err := jsonpointer.New(pointer); err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	segs := make([]string, len(raw))
	for i, s := range raw {
		segs[i] = unescapeToken(s)
	}
	return segs, nil
}

func unescapeToken(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	s = strings.ReplaceAll(s, "~0", "~")
	return s
}
