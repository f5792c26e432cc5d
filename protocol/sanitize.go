// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package protocol

import (
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// isChar reports whether r matches the XML 1.0 Char production.
func isChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}

// Sanitize returns b with every '>' outside of a tag replaced by "&gt;" and
// with invalid UTF-8 and code points outside of the XML Char production
// removed.
// Each dropped sequence is logged at debug level.
// The input is expected to be serialized XML; quoted attribute values are
// tracked so that '>' inside them does not end the tag.
func Sanitize(b []byte, logger zerolog.Logger) []byte {
	out := make([]byte, 0, len(b))
	var (
		inTag bool
		quote byte
	)
	for i := 0; i < len(b); {
		c := b[i]
		if c < utf8.RuneSelf {
			switch {
			case !isChar(rune(c)):
				logger.Debug().Int("offset", i).Hex("byte", []byte{c}).Msg("dropped control character")
				i++
				continue
			case inTag && quote != 0:
				if c == quote {
					quote = 0
				}
			case inTag:
				switch c {
				case '\'', '"':
					quote = c
				case '>':
					inTag = false
				}
			case c == '<':
				inTag = true
			case c == '>':
				out = append(out, "&gt;"...)
				i++
				continue
			}
			out = append(out, c)
			i++
			continue
		}

		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			logger.Debug().Int("offset", i).Hex("byte", b[i:i+1]).Msg("dropped invalid utf-8")
			i++
			continue
		}
		if !isChar(r) {
			logger.Debug().Int("offset", i).Str("rune", string(r)).Msg("dropped non-xml character")
			i += size
			continue
		}
		out = append(out, b[i:i+size]...)
		i += size
	}
	return out
}
