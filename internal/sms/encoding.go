// Package sms frames text for the SMS transport: encoding detection,
// segmentation, reassembly of inbound multipart messages and a per-recipient
// outbox.
package sms

import (
	"strings"
	"unicode/utf16"
)

// Encoding is the data coding used for a message.
type Encoding int

const (
	GSM7 Encoding = iota
	UCS2
)

func (e Encoding) String() string {
	switch e {
	case GSM7:
		return "GSM-7"
	case UCS2:
		return "UCS-2"
	default:
		return "unknown"
	}
}

// Segment capacities. Multipart messages lose room to the concatenation
// header.
const (
	GSM7Single    = 160
	GSM7Multipart = 153
	UCS2Single    = 70
	UCS2Multipart = 67
)

// GSM 03.38 default alphabet, excluding the escape code.
const gsmBasic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Characters reached through the escape table; each costs two septets.
const gsmExtension = "\f^{}\\[~]|€"

// septets returns the GSM-7 cost of r, or 0 if r is not representable.
func septets(r rune) int {
	switch {
	case strings.ContainsRune(gsmBasic, r):
		return 1
	case strings.ContainsRune(gsmExtension, r):
		return 2
	default:
		return 0
	}
}

// Detect returns GSM7 when every character fits the default alphabet and its
// extension table, UCS2 otherwise.
func Detect(text string) Encoding {
	for _, r := range text {
		if septets(r) == 0 {
			return UCS2
		}
	}
	return GSM7
}

// units returns the cost of r in the encoding's unit: septets for GSM-7,
// UTF-16 code units for UCS-2.
func units(enc Encoding, r rune) int {
	if enc == GSM7 {
		return septets(r)
	}
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// Length returns the length of text in the units of its encoding.
func Length(text string) (int, Encoding) {
	enc := Detect(text)
	n := 0
	for _, r := range text {
		n += units(enc, r)
	}
	return n, enc
}
