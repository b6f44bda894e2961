package sms

import "strings"

// Split divides text into transport segments. A message that fits one
// segment is returned whole. Characters are never divided, so an escaped
// GSM-7 character or a UTF-16 surrogate pair always lands in one segment.
func Split(text string) []string {
	if text == "" {
		return nil
	}

	n, enc := Length(text)
	single, multi := GSM7Single, GSM7Multipart
	if enc == UCS2 {
		single, multi = UCS2Single, UCS2Multipart
	}
	if n <= single {
		return []string{text}
	}

	var (
		parts []string
		cur   strings.Builder
		used  int
	)
	for _, r := range text {
		cost := units(enc, r)
		if used+cost > multi {
			parts = append(parts, cur.String())
			cur.Reset()
			used = 0
		}
		cur.WriteRune(r)
		used += cost
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// Count returns the number of segments text needs.
func Count(text string) int {
	return len(Split(text))
}
