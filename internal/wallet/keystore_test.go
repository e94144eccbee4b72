package wallet

import (
	"os"
	"path/filepath"
	"testing"
)

const testPassword = "Correct-Horse-Battery-9"

func TestEncryptDecryptMnemonic(t *testing.T) {
	encrypted, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}

	if encrypted.Version != 1 {
		t.Errorf("version = %d, want 1", encrypted.Version)
	}
	if len(encrypted.Salt) != argon2SaltLen {
		t.Errorf("salt length = %d, want %d", len(encrypted.Salt), argon2SaltLen)
	}
	if len(encrypted.Ciphertext) == 0 {
		t.Error("empty ciphertext")
	}

	decrypted, err := DecryptMnemonic(encrypted, testPassword)
	if err != nil {
		t.Fatalf("DecryptMnemonic() error = %v", err)
	}
	if decrypted != testMnemonic {
		t.Error("decrypted mnemonic does not match original")
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	encrypted, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}

	if _, err := DecryptMnemonic(encrypted, "Wrong-Password-123"); err == nil {
		t.Error("decryption succeeded with wrong password")
	}
}

func TestEncryptMnemonicRejectsInvalidInput(t *testing.T) {
	if _, err := EncryptMnemonic("not a mnemonic", testPassword); err == nil {
		t.Error("invalid mnemonic accepted")
	}
	if _, err := EncryptMnemonic(testMnemonic, "weak"); err == nil {
		t.Error("weak password accepted")
	}
}

func TestSaveLoadEncryptedSeed(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-wallet-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	encrypted, err := EncryptMnemonic(testMnemonic, testPassword)
	if err != nil {
		t.Fatalf("EncryptMnemonic() error = %v", err)
	}

	path := filepath.Join(tmpDir, "seed.json")
	if err := SaveEncryptedSeed(encrypted, path); err != nil {
		t.Fatalf("SaveEncryptedSeed() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("seed file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("seed file mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed() error = %v", err)
	}

	decrypted, err := DecryptMnemonic(loaded, testPassword)
	if err != nil {
		t.Fatalf("DecryptMnemonic() after load error = %v", err)
	}
	if decrypted != testMnemonic {
		t.Error("seed file round trip lost the mnemonic")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"strong mixed", "Str0ng-Passw0rd", false},
		{"upper lower number", "Abcdefg1", false},
		{"too short", "Ab1!", true},
		{"only lowercase", "abcdefghij", true},
		{"two character types", "abcdefgh1", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePassword() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
