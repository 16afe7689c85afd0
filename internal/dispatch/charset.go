package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// toUTF8 converts a body in the declared charset to UTF-8. Bodies without a
// charset are read as UTF-8; invalid sequences become U+FFFD.
func toUTF8(b []byte, charset string) ([]byte, error) {
	switch charset {
	case "", "utf-8", "utf8":
		if utf8.Valid(b) {
			return b, nil
		}
		return []byte(strings.ToValidUTF8(string(b), "�")), nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decode charset %q: %w", charset, err)
	}
	return out, nil
}
