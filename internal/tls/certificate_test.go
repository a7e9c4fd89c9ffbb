package tls

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert", "cert.pem")
	key := filepath.Join(dir, "cert", "key.pem")

	if err := EnsureCertificate(cert, key); err != nil {
		t.Fatal(err)
	}
	if _, err := ServerConfig(cert, key); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(key)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key mode is %v", info.Mode().Perm())
	}

	// existing files are left alone
	before, _ := os.ReadFile(cert)
	if err := EnsureCertificate(cert, key); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(cert)
	if string(before) != string(after) {
		t.Fatal("certificate was regenerated")
	}
}
