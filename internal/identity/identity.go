// Package identity provides endpoint identity management.
//
// An endpoint is identified by its Ed25519 public key. The textual form of
// an EndpointID is the base58 encoding of the 32 key bytes; this is the
// string users exchange (discovery, tickets, QR codes).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	// IDSize is the size of an EndpointID in bytes.
	IDSize = ed25519.PublicKeySize

	// keyFileName is the name of the file storing the endpoint secret key seed.
	keyFileName = "endpoint.key"
)

var (
	// ErrInvalidIDLength is returned when a decoded ID has the wrong length.
	ErrInvalidIDLength = errors.New("invalid endpoint ID length: expected 32 bytes")

	// ErrInvalidEncoding is returned when the textual ID is not valid base58.
	ErrInvalidEncoding = errors.New("invalid base58 string for endpoint ID")

	// ErrKeyNotFound is returned by Load when no key file exists.
	ErrKeyNotFound = errors.New("endpoint key not found")

	// ZeroID represents an uninitialized endpoint ID.
	ZeroID = EndpointID{}
)

// EndpointID is the public identity of an endpoint (an Ed25519 public key).
type EndpointID [IDSize]byte

// ParseEndpointID parses an EndpointID from its base58 form.
func ParseEndpointID(s string) (EndpointID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ZeroID, fmt.Errorf("%w: empty string", ErrInvalidEncoding)
	}

	raw, err := base58.Decode(s)
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return FromBytes(raw)
}

// FromBytes creates an EndpointID from a byte slice.
func FromBytes(b []byte) (EndpointID, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id EndpointID
	copy(id[:], b)
	return id, nil
}

// FromPublicKey converts an Ed25519 public key into an EndpointID.
func FromPublicKey(pub ed25519.PublicKey) (EndpointID, error) {
	return FromBytes(pub)
}

// String returns the base58 representation of the EndpointID.
func (id EndpointID) String() string {
	return base58.Encode(id[:])
}

// ShortString returns the first 10 characters of the base58 form.
func (id EndpointID) ShortString() string {
	s := id.String()
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// Bytes returns the EndpointID as a byte slice.
func (id EndpointID) Bytes() []byte {
	return id[:]
}

// PublicKey returns the EndpointID as an Ed25519 public key.
func (id EndpointID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// IsZero returns true if the EndpointID is uninitialized.
func (id EndpointID) IsZero() bool {
	return id == ZeroID
}

// MarshalText implements encoding.TextMarshaler.
func (id EndpointID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EndpointID) UnmarshalText(text []byte) error {
	parsed, err := ParseEndpointID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Keypair is the secret identity of the local endpoint.
type Keypair struct {
	priv ed25519.PrivateKey
	id   EndpointID
}

// GenerateKeypair creates a new random Keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	var id EndpointID
	copy(id[:], pub)
	return &Keypair{priv: priv, id: id}, nil
}

// KeypairFromSeed derives a Keypair from a 32-byte Ed25519 seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: got %d, expected %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var id EndpointID
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{priv: priv, id: id}, nil
}

// ID returns the public EndpointID of the keypair.
func (k *Keypair) ID() EndpointID {
	return k.id
}

// PrivateKey returns the Ed25519 private key.
func (k *Keypair) PrivateKey() ed25519.PrivateKey {
	return k.priv
}

// Store persists the keypair seed to the specified data directory.
func (k *Keypair) Store(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, keyFileName)

	// Write atomically by writing to temp file first
	tempPath := filePath + ".tmp"
	data := base58.Encode(k.priv.Seed()) + "\n"
	if err := os.WriteFile(tempPath, []byte(data), 0600); err != nil {
		return fmt.Errorf("failed to write endpoint key: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist endpoint key: %w", err)
	}

	return nil
}

// Load reads a Keypair from the specified data directory.
func Load(dataDir string) (*Keypair, error) {
	filePath := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrKeyNotFound, filePath)
		}
		return nil, fmt.Errorf("failed to read endpoint key: %w", err)
	}

	seed, err := base58.Decode(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("corrupt endpoint key at %s: %w", filePath, err)
	}
	return KeypairFromSeed(seed)
}

// LoadOrCreate loads an existing Keypair from the data directory,
// or creates and persists a new one if none exists.
func LoadOrCreate(dataDir string) (*Keypair, bool, error) {
	kp, err := Load(dataDir)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	kp, err = GenerateKeypair()
	if err != nil {
		return nil, false, err
	}

	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}

// Exists checks if a key file exists in the data directory.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
