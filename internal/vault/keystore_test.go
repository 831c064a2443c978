package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	master, err := CreateKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(master) != 32 {
		t.Fatalf("master key length %d", len(master))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("keystore mode %v, want 0600", info.Mode().Perm())
	}

	opened, err := OpenKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(master, opened) {
		t.Fatal("master key does not round-trip")
	}
}

func TestKeystoreWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	if _, err := CreateKeystore(path, "right"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := OpenKeystore(path, "wrong"); err != ErrWrongPassword {
		t.Fatalf("want ErrWrongPassword, got %v", err)
	}
}

func TestInspectKeystore(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "absent.json")
	if state, corrupted := InspectKeystore(missing); state != StateNeedsSetup || corrupted {
		t.Fatalf("missing file: state=%s corrupted=%v", state, corrupted)
	}

	good := filepath.Join(dir, "good.json")
	if _, err := CreateKeystore(good, "pw"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if state, corrupted := InspectKeystore(good); state != StateLocked || corrupted {
		t.Fatalf("valid file: state=%s corrupted=%v", state, corrupted)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if state, corrupted := InspectKeystore(bad); state != StateNeedsSetup || !corrupted {
		t.Fatalf("corrupt file: state=%s corrupted=%v", state, corrupted)
	}
}

func TestSealOpenGCM(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	nonce, ct, tag, err := sealGCM(key, []byte("secret payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(nonce) != 12 || len(tag) != 16 {
		t.Fatalf("nonce=%d tag=%d", len(nonce), len(tag))
	}

	out, err := openGCM(key, nonce, ct, tag)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(out) != "secret payload" {
		t.Fatalf("round trip produced %q", out)
	}

	tag[0] ^= 0xff
	if _, err := openGCM(key, nonce, ct, tag); err == nil {
		t.Fatal("tampered tag accepted")
	}
}
