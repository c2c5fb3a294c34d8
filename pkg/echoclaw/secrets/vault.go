// Package secrets stores credentials outside the config file: in an
// encrypted vault file (Argon2id key derivation, AES-256-GCM) or in the
// operating system keyring.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

// DefaultVaultFile is the vault path used when none is configured.
const DefaultVaultFile = ".echoclaw.vault"

const (
	vaultVersion = 1
	saltLen      = 16
	keyLen       = 32 // AES-256
	verifyEntry  = "__verify__"
	verifyText   = "echoclaw-vault-ok"
)

var (
	// ErrLocked is returned by operations that need the derived key.
	ErrLocked = errors.New("vault is locked")

	// ErrWrongPassword is returned by Unlock when decryption fails.
	ErrWrongPassword = errors.New("wrong vault password")

	// ErrExists is returned by Create when the file is already there.
	ErrExists = errors.New("vault already exists")
)

// kdfParams are the Argon2id cost parameters. They are stored in the file
// so a vault opens with the costs it was created with.
type kdfParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"` // KiB
	Threads uint8  `json:"threads"`
}

// defaultKDF follows the OWASP recommendation.
var defaultKDF = kdfParams{Time: 3, Memory: 64 * 1024, Threads: 4}

type entry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type vaultFile struct {
	Version int              `json:"version"`
	KDF     *kdfParams       `json:"kdf,omitempty"`
	Salt    string           `json:"salt"`
	Entries map[string]entry `json:"entries"`
}

// Vault is an encrypted secret file. The master password is never kept;
// only the derived key stays in memory while unlocked.
type Vault struct {
	path string
	kdf  kdfParams

	mu   sync.RWMutex
	data *vaultFile
	key  []byte
}

// NewVault returns a locked vault backed by path.
func NewVault(path string) *Vault {
	if path == "" {
		path = DefaultVaultFile
	}
	return &Vault{path: path, kdf: defaultKDF}
}

// Path returns the vault file.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file exists.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether the derived key is loaded.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create writes a new empty vault protected by password and leaves it
// unlocked.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("%w at %s", ErrExists, v.path)
	}
	if password == "" {
		return errors.New("vault password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	params := v.kdf
	v.key = v.derive(password, salt)
	v.data = &vaultFile{
		Version: vaultVersion,
		KDF:     &params,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]entry),
	}
	check, err := seal(v.key, []byte(verifyText))
	if err != nil {
		return err
	}
	v.data.Entries[verifyEntry] = check
	return v.saveLocked()
}

// Unlock derives the key from password and loads the vault.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}
	var data vaultFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	if data.Version != vaultVersion {
		return fmt.Errorf("unsupported vault version %d", data.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]entry)
	}

	if data.KDF != nil {
		v.mu.Lock()
		v.kdf = *data.KDF
		v.mu.Unlock()
	}
	key := v.derive(password, salt)
	if check, ok := data.Entries[verifyEntry]; ok {
		if _, err := open(key, check); err != nil {
			return ErrWrongPassword
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.data = &data
	return nil
}

// Lock zeroes and drops the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.key)
	v.key = nil
}

// Set encrypts and stores a secret.
func (v *Vault) Set(name, value string) error {
	if name == "" || strings.HasPrefix(name, "__") {
		return fmt.Errorf("invalid secret name %q", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	e, err := seal(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = e
	return v.saveLocked()
}

// Get decrypts a secret. A missing secret returns "" and no error.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrLocked
	}
	e, ok := v.data.Entries[name]
	if !ok {
		return "", nil
	}
	plain, err := open(v.key, e)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes a secret.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Keys lists the stored secret names, sorted.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	keys := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k != verifyEntry {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ChangePassword re-encrypts every entry under a key derived from
// password and a fresh salt.
func (v *Vault) ChangePassword(password string) error {
	if password == "" {
		return errors.New("vault password must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	key := v.derive(password, salt)

	entries := make(map[string]entry, len(v.data.Entries))
	for name, e := range v.data.Entries {
		plain, err := open(v.key, e)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", name, err)
		}
		if entries[name], err = seal(key, plain); err != nil {
			return fmt.Errorf("re-encrypting %s: %w", name, err)
		}
	}

	clear(v.key)
	params := v.kdf
	v.key = key
	v.data.KDF = &params
	v.data.Salt = base64.StdEncoding.EncodeToString(salt)
	v.data.Entries = entries
	return v.saveLocked()
}

// ---------- Internal ----------

func (v *Vault) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, v.kdf.Time, v.kdf.Memory, v.kdf.Threads, keyLen)
}

func seal(key, plain []byte) (entry, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return entry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return entry{}, err
	}
	return entry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, nil)),
	}, nil
}

func open(key []byte, e entry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	return gcm.Open(nil, nonce, ct, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// saveLocked writes the vault atomically. Caller holds v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}

// ReadPassword prompts on stdout and reads a password without echo. On a
// non-terminal stdin it reads one line.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	var buf [1024]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}

// EnsureDir creates the vault's parent directory.
func (v *Vault) EnsureDir() error {
	dir := filepath.Dir(v.path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
