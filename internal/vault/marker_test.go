package vault

import (
	"strings"
	"testing"
)

func TestMarkerRoundTrip(t *testing.T) {
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	ct := []byte("cipher-bytes")
	tag := make([]byte, 16)

	marker := EncodeMarker(SchemeAES256GCM, nonce, ct, tag)
	if !strings.HasPrefix(marker, "[[SECDATA:AES256GCM:") || !strings.HasSuffix(marker, "]]") {
		t.Fatalf("marker shape wrong: %q", marker)
	}

	parsed, err := ParseMarker(marker)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Scheme != SchemeAES256GCM {
		t.Errorf("scheme = %q", parsed.Scheme)
	}
	if string(parsed.Ciphertext) != string(ct) {
		t.Errorf("ciphertext mangled")
	}
	if len(parsed.Nonce) != 12 || len(parsed.Tag) != 16 {
		t.Errorf("field lengths: nonce=%d tag=%d", len(parsed.Nonce), len(parsed.Tag))
	}
}

func TestParseMarkerRejectsLooseText(t *testing.T) {
	marker := EncodeMarker(SchemeAES256GCM, make([]byte, 12), []byte("x"), make([]byte, 16))
	tests := []string{
		"prefix " + marker,
		marker + " suffix",
		"[[SECDATA:AES256GCM:only:two]]",
		"[[SECDATA:aes:a:b:c]]",
		"",
		"plain text",
	}
	for _, in := range tests {
		if _, err := ParseMarker(in); err == nil {
			t.Errorf("ParseMarker(%q) accepted non-exact marker", in)
		}
	}
}

func TestFindMarkersInsideText(t *testing.T) {
	m1 := EncodeMarker(SchemeAES256GCM, make([]byte, 12), []byte("one"), make([]byte, 16))
	m2 := EncodeMarker(SchemeAES256GCM, make([]byte, 12), []byte("two"), make([]byte, 16))
	text := "my key is " + m1 + " and the other is " + m2 + ", keep both"

	spans := FindMarkers(text)
	if len(spans) != 2 {
		t.Fatalf("found %d markers, want 2", len(spans))
	}
	if text[spans[0][0]:spans[0][1]] != m1 || text[spans[1][0]:spans[1][1]] != m2 {
		t.Fatalf("span indexes do not cover the markers")
	}
	if FindMarkers("no markers here") != nil {
		t.Fatal("false positive on plain text")
	}
	if !ContainsMarker(text) {
		t.Fatal("ContainsMarker missed")
	}
}
