package credential

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	saltPath := filepath.Join(t.TempDir(), "salt")
	m, err := NewManager(saltPath)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m, saltPath
}

func TestManager_EncryptDecrypt(t *testing.T) {
	manager, _ := newTestManager(t)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"empty string", ""},
		{"groq key", "gsk_1234567890abcdef"},
		{"long key", strings.Repeat("a", 1000)},
		{"unicode content", "schlüssel-🔑"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := manager.Encrypt(tc.plaintext)
			if err != nil {
				t.Fatalf("encrypt failed: %v", err)
			}
			if tc.plaintext == "" {
				if encrypted != "" {
					t.Errorf("empty string should not be encrypted, got: %s", encrypted)
				}
				return
			}
			if !IsEncrypted(encrypted) {
				t.Errorf("encrypted value should have prefix, got: %s", encrypted)
			}

			decrypted, err := manager.Decrypt(encrypted)
			if err != nil {
				t.Fatalf("decrypt failed: %v", err)
			}
			if decrypted != tc.plaintext {
				t.Errorf("decrypted value mismatch: got %q, want %q", decrypted, tc.plaintext)
			}
		})
	}
}

func TestManager_SaltIsReused(t *testing.T) {
	first, saltPath := newTestManager(t)
	sealed, _ := first.Encrypt("sk-reuse")

	second, err := NewManager(saltPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := second.Decrypt(sealed)
	if err != nil || got != "sk-reuse" {
		t.Fatalf("expected reopened manager to decrypt, got %q, %v", got, err)
	}

	info, err := os.Stat(saltPath)
	if err != nil {
		t.Fatalf("salt missing: %v", err)
	}
	if info.Size() != saltSize {
		t.Errorf("expected %d byte salt, got %d", saltSize, info.Size())
	}
}

func TestManager_ForeignSaltFails(t *testing.T) {
	a, _ := newTestManager(t)
	b, _ := newTestManager(t)

	sealed, _ := a.Encrypt("sk-private")
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestManager_DecryptInvalid(t *testing.T) {
	manager, _ := newTestManager(t)

	testCases := []struct {
		name  string
		input string
	}{
		{"invalid base64", EncryptedPrefix + "not-valid-base64!!!"},
		{"too short", EncryptedPrefix + "YWJj"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := manager.Decrypt(tc.input); err == nil {
				t.Error("expected error for invalid input")
			}
		})
	}

	if got, err := manager.Decrypt("plain-value"); err != nil || got != "plain-value" {
		t.Errorf("plaintext should pass through, got %q, %v", got, err)
	}
}

func TestIsSecret(t *testing.T) {
	cases := map[string]bool{
		"openai.api_key":   true,
		"groq.api_key":     true,
		"github.token":     true,
		"GEMINI_API_KEY":   true,
		"openai.base_url":  false,
		"provider.default": false,
		"max_iterations":   false,
	}
	for key, want := range cases {
		if got := IsSecret(key); got != want {
			t.Errorf("IsSecret(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("short"); got != "****" {
		t.Errorf("got %q", got)
	}
	if got := MaskSecret("sk-1234567890abcdef"); got != "sk-1...cdef" {
		t.Errorf("got %q", got)
	}
}

type memKV map[string]string

func (m memKV) SetConfig(k, v string) error        { m[k] = v; return nil }
func (m memKV) GetConfig(k string) (string, error) { return m[k], nil }

func TestVault(t *testing.T) {
	manager, _ := newTestManager(t)
	kv := memKV{}
	v := NewVault(kv, manager)

	if err := v.Set("openai.api_key", "sk-secret-value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := v.Set("openai.base_url", "https://api.groq.com/openai/v1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if !IsEncrypted(kv["openai.api_key"]) {
		t.Errorf("api key stored in clear: %q", kv["openai.api_key"])
	}
	if IsEncrypted(kv["openai.base_url"]) {
		t.Errorf("base url should stay readable")
	}

	got, err := v.Get("openai.api_key")
	if err != nil || got != "sk-secret-value" {
		t.Errorf("expected decrypted key, got %q, %v", got, err)
	}

	t.Setenv("MEDIAMCP_FALLBACK_KEY", "from-env")
	if got := v.Lookup("gemini.api_key", "MEDIAMCP_FALLBACK_KEY"); got != "from-env" {
		t.Errorf("expected env fallback, got %q", got)
	}
	if got := v.Lookup("openai.api_key", "MEDIAMCP_FALLBACK_KEY"); got != "sk-secret-value" {
		t.Errorf("stored value should win, got %q", got)
	}
}
