package vault

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// SchemeAES256GCM is the only encryption scheme currently emitted.
const SchemeAES256GCM = "AES256GCM"

const markerPrefix = "[[SECDATA:"

// markerPattern matches one embedded vault marker. The three payload
// fields are standard base64 (nonce, ciphertext, tag). Ciphertext of an
// empty plaintext is legal, so every field may be empty.
var markerPattern = regexp.MustCompile(`\[\[SECDATA:([A-Z0-9]+):([A-Za-z0-9+/=]*):([A-Za-z0-9+/=]*):([A-Za-z0-9+/=]*)\]\]`)

// Marker is the decoded form of one [[SECDATA:...]] substring.
type Marker struct {
	Scheme     string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// EncodeMarker renders the wire form of an encrypted secret.
func EncodeMarker(scheme string, nonce, ciphertext, tag []byte) string {
	enc := base64.StdEncoding
	return fmt.Sprintf("%s%s:%s:%s:%s]]",
		markerPrefix, scheme,
		enc.EncodeToString(nonce),
		enc.EncodeToString(ciphertext),
		enc.EncodeToString(tag))
}

// ParseMarker decodes s, which must be exactly one marker with nothing
// around it.
func ParseMarker(s string) (*Marker, error) {
	m := markerPattern.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return nil, fmt.Errorf("not a vault marker")
	}
	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(m[2])
	if err != nil {
		return nil, fmt.Errorf("marker nonce: %w", err)
	}
	ct, err := enc.DecodeString(m[3])
	if err != nil {
		return nil, fmt.Errorf("marker ciphertext: %w", err)
	}
	tag, err := enc.DecodeString(m[4])
	if err != nil {
		return nil, fmt.Errorf("marker tag: %w", err)
	}
	return &Marker{Scheme: m[1], Nonce: nonce, Ciphertext: ct, Tag: tag}, nil
}

// FindMarkers returns the [start, end) index pairs of every marker
// substring in text, in order of appearance.
func FindMarkers(text string) [][]int {
	if !strings.Contains(text, markerPrefix) {
		return nil
	}
	return markerPattern.FindAllStringIndex(text, -1)
}

// ContainsMarker reports whether text embeds at least one marker.
func ContainsMarker(text string) bool {
	return len(FindMarkers(text)) > 0
}
