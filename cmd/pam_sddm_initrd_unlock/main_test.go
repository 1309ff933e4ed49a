package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autologin.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseDescriptorOK(t *testing.T) {
	path := writeDescriptor(t, "[Autologin]\nUser=alice\nPasswordKey=12345\nSession=plasma.desktop\n")

	d, err := parseDescriptor(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.user != "alice" || d.keyID != 12345 {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestParseDescriptorMissingSection(t *testing.T) {
	path := writeDescriptor(t, "[Other]\nFoo=bar\n")

	if _, err := parseDescriptor(path); err == nil {
		t.Fatal("expected error for missing [Autologin] section")
	}
}

func TestParseDescriptorBadKeyID(t *testing.T) {
	path := writeDescriptor(t, "[Autologin]\nUser=alice\nPasswordKey=not-a-number\n")

	if _, err := parseDescriptor(path); err == nil {
		t.Fatal("expected error for non-numeric PasswordKey")
	}
}
