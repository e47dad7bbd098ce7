package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"
)

const keyringService = "agentflow-gateway"

// ResolveKeyRef resolves a symbolic credential reference to its secret
// value. Accepted forms: "env:NAME" and "$NAME" both read environment
// variable NAME; any other string is returned as-is (a literal secret
// inline in config). As a compatibility fallback, a reference that
// resolves to ANTHROPIC_API_KEY but finds it unset falls back to
// CLAUDE_CODE_OAUTH_TOKEN.
func ResolveKeyRef(ref string) string {
	var envName string
	switch {
	case strings.HasPrefix(ref, "env:"):
		envName = strings.TrimPrefix(ref, "env:")
	case strings.HasPrefix(ref, "$"):
		envName = strings.TrimPrefix(ref, "$")
	default:
		return ref
	}

	if v := os.Getenv(envName); v != "" {
		return v
	}
	if envName == "ANTHROPIC_API_KEY" {
		return os.Getenv("CLAUDE_CODE_OAUTH_TOKEN")
	}
	return ""
}

// CredentialType discriminates the kind of secret a Credential holds.
type CredentialType string

const (
	CredentialTypeAPIKey      CredentialType = "api_key"
	CredentialTypePassword    CredentialType = "password"
	CredentialTypeToken       CredentialType = "token"
	CredentialTypeCertificate CredentialType = "certificate"
	CredentialTypePrivateKey  CredentialType = "private_key"
	CredentialTypeOAuth2Token CredentialType = "oauth2_token"
	CredentialTypeDatabaseURL CredentialType = "database_url"
	CredentialTypeGeneric     CredentialType = "generic"
)

// CredentialMetadata describes a credential beyond its raw secret: which
// service/agent it belongs to, its type, and rotation policy. Safe to
// serialize in full — it never carries the secret itself.
type CredentialMetadata struct {
	Service              string            `json:"service,omitempty"`
	AgentName            string            `json:"agent_name,omitempty"`
	Description          string            `json:"description,omitempty"`
	Type                 CredentialType    `json:"type,omitempty"`
	RotationRequired     bool              `json:"rotation_required,omitempty"`
	RotationIntervalDays uint32            `json:"rotation_interval_days,omitempty"`
	EncryptionAlgorithm  string            `json:"encryption_algorithm,omitempty"`
	Custom               map[string]string `json:"custom,omitempty"`
}

// Credential is a secret held in memory with rotation/expiry bookkeeping.
// Its String/GoString forms, and its MarshalJSON, never expose Secret —
// only the storage layer's credentialStorageJSON alias serializes it, for
// the keyring/encrypted-file backends that must round-trip the real value.
type Credential struct {
	Key          string             `json:"key"`
	Secret       string             `json:"secret"`
	CreatedAt    time.Time          `json:"created_at"`
	LastAccessed time.Time          `json:"last_accessed"`
	LastRotated  time.Time          `json:"last_rotated"`
	ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
	RotateAfter  time.Duration      `json:"rotate_after,omitempty"`
	Metadata     CredentialMetadata `json:"metadata"`
}

// String redacts the secret, matching the debug-output invariant that a
// credential never leaks its value through logging or %v formatting.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Key: %q, Secret: REDACTED}", c.Key)
}

// GoString mirrors String, so %#v formatting redacts the secret too.
func (c Credential) GoString() string {
	return c.String()
}

// MarshalJSON serializes every field except Secret, matching the invariant
// that a credential never leaks its value through JSON encoding — whether
// that's an API response, a log line, or a debug dump.
func (c Credential) MarshalJSON() ([]byte, error) {
	type credentialJSON struct {
		Key          string             `json:"key"`
		CreatedAt    time.Time          `json:"created_at"`
		LastAccessed time.Time          `json:"last_accessed"`
		LastRotated  time.Time          `json:"last_rotated"`
		ExpiresAt    *time.Time         `json:"expires_at,omitempty"`
		RotateAfter  time.Duration      `json:"rotate_after,omitempty"`
		Metadata     CredentialMetadata `json:"metadata"`
	}
	return json.Marshal(credentialJSON{
		Key:          c.Key,
		CreatedAt:    c.CreatedAt,
		LastAccessed: c.LastAccessed,
		LastRotated:  c.LastRotated,
		ExpiresAt:    c.ExpiresAt,
		RotateAfter:  c.RotateAfter,
		Metadata:     c.Metadata,
	})
}

// credentialStorageJSON is a distinct type over Credential's same fields,
// used only by the keyring/encrypted-file persistence paths below: casting
// to it bypasses Credential.MarshalJSON so Secret is actually written to
// (and read back from) the backing store, while every other caller that
// serializes a Credential value goes through the redacting MarshalJSON.
type credentialStorageJSON Credential

// IsExpired reports whether the credential has passed its expiry time.
func (c Credential) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// NeedsRotation reports whether RotateAfter has elapsed since LastRotated.
func (c Credential) NeedsRotation() bool {
	if c.RotateAfter <= 0 {
		return false
	}
	return time.Since(c.LastRotated) >= c.RotateAfter
}

// accessAttemptTracker rate-limits credential *retrieval* attempts per key,
// independent of the gateway's per-request RateLimiter — this one guards
// against hammering the keyring/encrypted store, not upstream API traffic.
type accessAttemptTracker struct {
	mu          sync.Mutex
	attempts    map[string][]time.Time
	maxAttempts int
	window      time.Duration
}

func newAccessAttemptTracker(maxAttempts int, window time.Duration) *accessAttemptTracker {
	return &accessAttemptTracker{
		attempts:    make(map[string][]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// allow records an attempt for key and reports whether it's within budget,
// pruning attempts outside the rolling window first.
func (a *accessAttemptTracker) allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.window)
	kept := a.attempts[key][:0]
	for _, t := range a.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= a.maxAttempts {
		a.attempts[key] = kept
		return false
	}
	a.attempts[key] = append(kept, time.Now())
	return true
}

// CredentialStore persists credentials, preferring the OS keyring and
// falling back to an AES-256-GCM encrypted file when the keyring backend
// is unavailable (headless servers, containers without a login keyring).
type CredentialStore struct {
	rateLimiter *accessAttemptTracker
	fallback    *encryptedFileStore
	useKeyring  bool
}

// NewCredentialStore builds a store rooted at <home>/.cco. If the OS
// keyring backend isn't reachable, every operation transparently uses the
// encrypted file fallback instead.
func NewCredentialStore(home string) (*CredentialStore, error) {
	fallback, err := newEncryptedFileStore(home)
	if err != nil {
		return nil, err
	}

	s := &CredentialStore{
		rateLimiter: newAccessAttemptTracker(10, 60*time.Second),
		fallback:    fallback,
	}

	// Probe the keyring backend once at construction; a failing probe
	// (no session keyring, no D-Bus secret service, etc.) permanently
	// routes this store to the encrypted file fallback instead of
	// retrying the OS backend on every call.
	if err := keyring.Set(keyringService, "__probe__", "probe"); err == nil {
		_ = keyring.Delete(keyringService, "__probe__")
		s.useKeyring = true
	}
	return s, nil
}

// Store saves a credential under its Key.
func (s *CredentialStore) Store(c Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.LastRotated.IsZero() {
		c.LastRotated = c.CreatedAt
	}
	if s.useKeyring {
		data, err := json.Marshal(credentialStorageJSON(c))
		if err != nil {
			return err
		}
		return keyring.Set(keyringService, c.Key, string(data))
	}
	return s.fallback.store(c)
}

// Retrieve fetches a credential by key, enforcing the access rate limit
// and rejecting expired credentials.
func (s *CredentialStore) Retrieve(key string) (Credential, error) {
	if !s.rateLimiter.allow(key) {
		return Credential{}, NewError(ErrCredentialRateLimited, "too many credential access attempts for "+key)
	}

	var (
		cred Credential
		err  error
	)
	if s.useKeyring {
		data, kerr := keyring.Get(keyringService, key)
		if kerr != nil {
			return Credential{}, NewError(ErrCredentialNotFound, "credential not found: "+key)
		}
		if jerr := json.Unmarshal([]byte(data), (*credentialStorageJSON)(&cred)); jerr != nil {
			return Credential{}, NewError(ErrCredentialDecryptFailed, "failed to decode credential: "+key)
		}
		cred.LastAccessed = time.Now()
	} else {
		cred, err = s.fallback.retrieve(key)
		if err != nil {
			return Credential{}, err
		}
	}

	if cred.IsExpired() {
		return Credential{}, NewError(ErrCredentialExpired, "credential expired: "+key)
	}
	return cred, nil
}

// Delete removes a credential by key.
func (s *CredentialStore) Delete(key string) error {
	if s.useKeyring {
		return keyring.Delete(keyringService, key)
	}
	return s.fallback.delete(key)
}

// Exists reports whether key has a stored credential, without consuming
// access-rate-limit budget or checking expiry.
func (s *CredentialStore) Exists(key string) bool {
	if s.useKeyring {
		_, err := keyring.Get(keyringService, key)
		return err == nil
	}
	return s.fallback.exists(key)
}

// List returns every stored credential key. Only meaningful for the
// encrypted-file backend, since OS keyrings have no enumerate-all API;
// returns nil when backed by the OS keyring.
func (s *CredentialStore) List() []string {
	if s.useKeyring {
		return nil
	}
	return s.fallback.list()
}

// Rotate replaces a credential's secret in place, bumping LastRotated.
func (s *CredentialStore) Rotate(key, newSecret string) error {
	cred, err := s.Retrieve(key)
	if err != nil {
		return err
	}
	cred.Secret = newSecret
	cred.LastRotated = time.Now()
	return s.Store(cred)
}

// NeedsRotation lists the keys of every stored credential whose
// NeedsRotation() is true. Only works against the encrypted-file backend.
func (s *CredentialStore) NeedsRotation() []string {
	var due []string
	for _, key := range s.List() {
		cred, err := s.fallback.retrieve(key)
		if err == nil && cred.NeedsRotation() {
			due = append(due, key)
		}
	}
	return due
}

// embeddedXORKey is the single-byte XOR obfuscation key used for
// credentials embedded in compiled binaries (not a real secret, just
// enough to keep a casual `strings` scan from finding them in plaintext).
const embeddedXORKey = 0xA7

// DecodeEmbeddedCredential decodes a length-prefixed, XOR-obfuscated
// credential blob: a 2-byte big-endian id length, the id bytes, a 2-byte
// big-endian secret length, then the secret bytes, all XORed with
// embeddedXORKey.
func DecodeEmbeddedCredential(blob []byte) (id, secret string, err error) {
	xored := make([]byte, len(blob))
	for i, b := range blob {
		xored[i] = b ^ embeddedXORKey
	}

	if len(xored) < 2 {
		return "", "", fmt.Errorf("embedded credential blob too short")
	}
	idLen := int(xored[0])<<8 | int(xored[1])
	xored = xored[2:]
	if len(xored) < idLen+2 {
		return "", "", fmt.Errorf("embedded credential blob truncated")
	}
	id = string(xored[:idLen])
	xored = xored[idLen:]
	secretLen := int(xored[0])<<8 | int(xored[1])
	xored = xored[2:]
	if len(xored) < secretLen {
		return "", "", fmt.Errorf("embedded credential blob truncated")
	}
	secret = string(xored[:secretLen])
	return id, secret, nil
}

// =============================================================================
// Encrypted-file fallback store
// =============================================================================

const (
	pbkdf2Iterations = 600_000
	saltSize         = 32
	nonceSize        = 12
)

// encryptedFileStore persists credentials as a JSON map of key ->
// AES-256-GCM ciphertext, encrypted with a key derived via
// PBKDF2-HMAC-SHA256 from a per-install random salt stored alongside it.
type encryptedFileStore struct {
	mu       sync.Mutex
	path     string
	saltPath string
}

func newEncryptedFileStore(home string) (*encryptedFileStore, error) {
	dir := filepath.Join(home, ".cco")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &encryptedFileStore{
		path:     filepath.Join(dir, "credentials.enc"),
		saltPath: filepath.Join(dir, ".salt"),
	}
	return s, nil
}

// salt loads the store's salt, generating and persisting one on first use.
func (s *encryptedFileStore) salt() ([]byte, error) {
	data, err := os.ReadFile(s.saltPath)
	if err == nil && len(data) == saltSize {
		return data, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.saltPath, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// ccoMasterPassphraseEnv is the environment variable carrying the
// encrypted-file store's master passphrase; unset falls back to a fixed
// default passphrase.
const ccoMasterPassphraseEnv = "CCO_MASTER_PASSPHRASE"

// deriveKey derives the AES-256 key from the configured master passphrase
// and the store's salt. This store protects against casual disk inspection,
// not an attacker with full access to the host the gateway runs on.
func (s *encryptedFileStore) deriveKey() ([]byte, error) {
	salt, err := s.salt()
	if err != nil {
		return nil, err
	}
	passphrase := os.Getenv(ccoMasterPassphraseEnv)
	if passphrase == "" {
		passphrase = "cco-default-passphrase"
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New), nil
}

type encryptedEntry struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func (s *encryptedFileStore) loadAll() (map[string]encryptedEntry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]encryptedEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]encryptedEntry{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *encryptedFileStore) saveAll(entries map[string]encryptedEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *encryptedFileStore) gcm() (cipher.AEAD, error) {
	key, err := s.deriveKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *encryptedFileStore) store(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gcmAEAD, err := s.gcm()
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(credentialStorageJSON(c))
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := gcmAEAD.Seal(nil, nonce, plaintext, nil)

	entries, err := s.loadAll()
	if err != nil {
		return err
	}
	entries[c.Key] = encryptedEntry{Nonce: nonce, Ciphertext: ciphertext}
	return s.saveAll(entries)
}

func (s *encryptedFileStore) retrieve(key string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadAll()
	if err != nil {
		return Credential{}, err
	}
	entry, ok := entries[key]
	if !ok {
		return Credential{}, NewError(ErrCredentialNotFound, "credential not found: "+key)
	}

	gcmAEAD, err := s.gcm()
	if err != nil {
		return Credential{}, err
	}
	plaintext, err := gcmAEAD.Open(nil, entry.Nonce, entry.Ciphertext, nil)
	if err != nil {
		return Credential{}, NewError(ErrCredentialDecryptFailed, "failed to decrypt credential: "+key)
	}
	var cred Credential
	if err := json.Unmarshal(plaintext, (*credentialStorageJSON)(&cred)); err != nil {
		return Credential{}, NewError(ErrCredentialDecryptFailed, "failed to decode credential: "+key)
	}
	cred.LastAccessed = time.Now()
	return cred, nil
}

func (s *encryptedFileStore) delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadAll()
	if err != nil {
		return err
	}
	delete(entries, key)
	return s.saveAll(entries)
}

func (s *encryptedFileStore) exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadAll()
	if err != nil {
		return false
	}
	_, ok := entries[key]
	return ok
}

func (s *encryptedFileStore) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadAll()
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	return keys
}
