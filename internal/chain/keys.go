package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Address is a base58-encoded ed25519 public key on the ledger.
type Address string

// Signature is a base58-encoded ed25519 signature. The signature of a
// transaction's fee payer doubles as the transaction id.
type Signature string

// Keypair is a ledger signing identity. The custodian holds one; the
// provisioning CLI generates them.
type Keypair struct {
	pub    ed25519.PublicKey
	secret ed25519.PrivateKey
}

// GenerateKeypair creates a fresh ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{pub: pub, secret: priv}, nil
}

// ParseSecretKey decodes a 64-byte ed25519 secret key from either of
// the two accepted encodings: a JSON array of bytes, or base64.
func ParseSecretKey(s string) (*Keypair, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty secret key")
	}

	var raw []byte
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("decode secret key JSON array: %w", err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("secret key byte %d out of range", i)
			}
			raw[i] = byte(v)
		}
	} else {
		var err error
		raw, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode secret key base64: %w", err)
		}
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}

	priv := ed25519.PrivateKey(raw)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("derive public key")
	}
	return &Keypair{pub: pub, secret: priv}, nil
}

// Address returns the public address of the keypair.
func (k *Keypair) Address() Address {
	return Address(base58.Encode(k.pub))
}

// Sign signs msg with the secret key.
func (k *Keypair) Sign(msg []byte) Signature {
	return Signature(base58.Encode(ed25519.Sign(k.secret, msg)))
}

// SecretJSON renders the secret key in the JSON-array encoding, the
// format the provisioning CLI prints for .env files.
func (k *Keypair) SecretJSON() string {
	ints := make([]int, len(k.secret))
	for i, b := range k.secret {
		ints[i] = int(b)
	}
	out, _ := json.Marshal(ints)
	return string(out)
}

// ValidAddress reports whether s decodes as a 32-byte base58 key.
func ValidAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == ed25519.PublicKeySize
}

// TokenAccountAddress derives the address-scoped balance holder for a
// (mint, owner) pair. The derivation is deterministic so both sides of
// a transfer can compute it without a ledger round trip.
func TokenAccountAddress(mint, owner Address) Address {
	h := sha256.New()
	h.Write([]byte("token-account"))
	h.Write([]byte(mint))
	h.Write([]byte(owner))
	return Address(base58.Encode(h.Sum(nil)))
}
