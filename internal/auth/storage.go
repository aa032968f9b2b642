package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/zalando/go-keyring"
)

// Credentials live under <configDir>/tokens, one file per profile. The
// keyring backend only keeps a roster there because keyrings cannot be
// listed.
const (
	tokenDir   = "tokens"
	rosterFile = "keyring.roster"
	keyFile    = ".key"
	sealedExt  = ".sealed"
	plainExt   = ".json"
	keySize    = 32
)

// sealedMagic prefixes every encrypted token file
var sealedMagic = []byte("YDT1")

// ErrNoCredentials means nothing is stored for the profile
var ErrNoCredentials = errors.New("no stored credentials")

var profileName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateProfile rejects names that cannot double as a token file name.
func ValidateProfile(name string) error {
	if !profileName.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: use letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

func noCredentials(profile string) error {
	return fmt.Errorf("profile %q: %w", profile, ErrNoCredentials)
}

// StorageBackend persists the serialized credentials of each profile
type StorageBackend interface {
	Save(profile string, data []byte) error
	Load(profile string) ([]byte, error)
	Delete(profile string) error
	Profiles() ([]string, error)
	Name() string
}

// writeAtomic replaces name through a sibling temp file so a crash never
// leaves a truncated token behind.
func writeAtomic(fs afero.Fs, name string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(name), 0700); err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0600); err != nil {
		return err
	}
	if err := fs.Rename(tmp, name); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

// roster is the sorted list of profiles saved in the keyring
type roster struct {
	fs   afero.Fs
	file string
}

func (r roster) list() ([]string, error) {
	data, err := afero.ReadFile(r.fs, r.file)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("profile roster %s: %w", r.file, err)
	}
	sort.Strings(names)
	return names, nil
}

func (r roster) set(profile string, present bool) error {
	names, err := r.list()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(names, profile)
	found := i < len(names) && names[i] == profile
	switch {
	case present && !found:
		names = append(names[:i], append([]string{profile}, names[i:]...)...)
	case !present && found:
		names = append(names[:i], names[i+1:]...)
	default:
		return nil
	}
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return writeAtomic(r.fs, r.file, data)
}

// KeyringStorage keeps tokens in the OS keyring under one account per profile
type KeyringStorage struct {
	service string
	roster  roster
}

// NewKeyringStorage stores secrets under service and tracks profile names in
// configDir.
func NewKeyringStorage(service string, fs afero.Fs, configDir string) *KeyringStorage {
	return &KeyringStorage{
		service: service,
		roster:  roster{fs: fs, file: filepath.Join(configDir, tokenDir, rosterFile)},
	}
}

func keyringAccount(profile string) string { return "token:" + profile }

func (s *KeyringStorage) Save(profile string, data []byte) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	if err := keyring.Set(s.service, keyringAccount(profile), string(data)); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	return s.roster.set(profile, true)
}

func (s *KeyringStorage) Load(profile string) ([]byte, error) {
	if err := ValidateProfile(profile); err != nil {
		return nil, err
	}
	secret, err := keyring.Get(s.service, keyringAccount(profile))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, noCredentials(profile)
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return []byte(secret), nil
}

func (s *KeyringStorage) Delete(profile string) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	err := keyring.Delete(s.service, keyringAccount(profile))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring: %w", err)
	}
	return s.roster.set(profile, false)
}

func (s *KeyringStorage) Profiles() ([]string, error) { return s.roster.list() }

func (s *KeyringStorage) Name() string { return "system-keyring" }

// tokenCodec transforms token bytes on their way to and from disk. The
// profile is bound into sealed files so one cannot be renamed into another.
type tokenCodec interface {
	seal(profile string, data []byte) ([]byte, error)
	open(profile string, data []byte) ([]byte, error)
}

type plainCodec struct{}

func (plainCodec) seal(_ string, data []byte) ([]byte, error) { return data, nil }
func (plainCodec) open(_ string, data []byte) ([]byte, error) { return data, nil }

type aeadCodec struct {
	aead cipher.AEAD
}

func newAEADCodec(key []byte) (*aeadCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aeadCodec{aead: gcm}, nil
}

func (c *aeadCodec) seal(profile string, data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append(append([]byte{}, sealedMagic...), nonce...)
	return c.aead.Seal(out, nonce, data, []byte(profile)), nil
}

func (c *aeadCodec) open(profile string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, sealedMagic) {
		return nil, fmt.Errorf("token for profile %q is not an encrypted ydsync token", profile)
	}
	data = data[len(sealedMagic):]
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("token for profile %q is truncated", profile)
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], []byte(profile))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token for profile %q: %w", profile, err)
	}
	return plain, nil
}

// FileStorage keeps one token file per profile under <configDir>/tokens
type FileStorage struct {
	fs    afero.Fs
	dir   string
	ext   string
	name  string
	codec tokenCodec
}

// NewEncryptedFileStorage seals tokens with AES-GCM using a key kept next to
// them in tokens/.key, created on first use.
func NewEncryptedFileStorage(fs afero.Fs, configDir string) (*FileStorage, error) {
	dir := filepath.Join(configDir, tokenDir)
	key, err := loadOrCreateKey(fs, filepath.Join(dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	codec, err := newAEADCodec(key)
	if err != nil {
		return nil, err
	}
	return &FileStorage{fs: fs, dir: dir, ext: sealedExt, name: "encrypted-file", codec: codec}, nil
}

// NewPlainFileStorage writes tokens as plain JSON. Development only.
func NewPlainFileStorage(fs afero.Fs, configDir string) *FileStorage {
	return &FileStorage{fs: fs, dir: filepath.Join(configDir, tokenDir), ext: plainExt, name: "plain-file", codec: plainCodec{}}
}

func (s *FileStorage) file(profile string) (string, error) {
	if err := ValidateProfile(profile); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, profile+s.ext), nil
}

func (s *FileStorage) Save(profile string, data []byte) error {
	name, err := s.file(profile)
	if err != nil {
		return err
	}
	sealed, err := s.codec.seal(profile, data)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}
	return writeAtomic(s.fs, name, sealed)
}

func (s *FileStorage) Load(profile string) ([]byte, error) {
	name, err := s.file(profile)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, noCredentials(profile)
	}
	if err != nil {
		return nil, err
	}
	return s.codec.open(profile, data)
}

func (s *FileStorage) Delete(profile string) error {
	name, err := s.file(profile)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Profiles lists stored profiles in name order
func (s *FileStorage) Profiles() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, fi := range infos {
		n := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(n, s.ext) {
			continue
		}
		if p := strings.TrimSuffix(n, s.ext); ValidateProfile(p) == nil {
			names = append(names, p)
		}
	}
	return names, nil
}

func (s *FileStorage) Name() string { return s.name }

// loadOrCreateKey refuses to replace an unreadable key, since doing so would
// orphan every token sealed with it.
func loadOrCreateKey(fs afero.Fs, name string) ([]byte, error) {
	data, err := afero.ReadFile(fs, name)
	switch {
	case err == nil:
		key, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(key) != keySize {
			return nil, fmt.Errorf("key file %s is corrupt", name)
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := writeAtomic(fs, name, []byte(base64.StdEncoding.EncodeToString(key))); err != nil {
		return nil, err
	}
	return key, nil
}
