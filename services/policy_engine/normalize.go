// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"html"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Sanitize returns the source that is forwarded to the rendering engine.
//
// It strips a leading UTF-8 BOM, converts CRLF and lone CR to LF, and drops
// NUL, C0/C1 control runes (except tab and newline) and invisible format
// runes such as zero-width spaces. Visible text is left untouched.
func Sanitize(source string) string {
	source = strings.TrimPrefix(source, "\ufeff")
	source = strings.ReplaceAll(source, "\r\n", "\n")
	source = strings.ReplaceAll(source, "\r", "\n")

	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		default:
			return r
		}
	}, source)
}

// foldLine produces the view most rules match against: HTML character
// references decoded ("&#106;" becomes "j"), compatibility normalized
// (fullwidth "！ｉｎｃｌｕｄｅ" becomes "!include"), invisible format runes
// removed, lower-cased. Columns reported against this view can drift left of
// the raw text on lines that carry character references.
func foldLine(line string) string {
	line = html.UnescapeString(line)
	line = norm.NFKC.String(line)
	line = strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) || (unicode.IsControl(r) && r != '\t') {
			return -1
		}
		return r
	}, line)
	return strings.ToLower(line)
}

// compactLine removes every whitespace rune so "! in clude" reads as
// "!include".
func compactLine(folded string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, folded)
}
