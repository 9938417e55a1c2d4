// Package identity holds the minimal wallet contract the runtime needs.
// Wallet primitives (key custody, address recovery) are external
// collaborators; only the signing surface and the ephemeral session chain
// live here.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/orbisworld/orbis/errors"
)

// Address is a 20-byte account identifier.
type Address [20]byte

// String renders the address as 0x-prefixed lowercase hex.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 42 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return a, errors.Newf("invalid address %q", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, errors.Wrap(err, "invalid address hex")
	}
	copy(a[:], raw)
	return a, nil
}

// Wallet is the external signing contract.
type Wallet interface {
	Address() Address
	Sign(payload []byte) ([]byte, error)
}

// AuthLink is one link of a signed delegation chain.
type AuthLink struct {
	Type      string `json:"type"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

const (
	linkSigner       = "SIGNER"
	linkEphemeral    = "ECDSA_EPHEMERAL"
	linkSignedEntity = "ECDSA_SIGNED_ENTITY"
)

// Identity is a session identity: a wallet-backed delegation to an ephemeral
// key that signs individual payloads without further wallet interaction.
type Identity struct {
	wallet    Wallet
	ephPub    ed25519.PublicKey
	ephPriv   ed25519.PrivateKey
	delegation AuthLink
	expiresAt time.Time
}

// NewEphemeral creates a session identity whose ephemeral key is valid for
// ttl. The wallet signs the delegation once, up front.
func NewEphemeral(w Wallet, ttl time.Duration) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ephemeral key")
	}

	expires := time.Now().Add(ttl).UTC()
	payload := "Orbis Login\nEphemeral address: 0x" + hex.EncodeToString(pub[:20]) +
		"\nExpiration: " + expires.Format(time.RFC3339)

	sig, err := w.Sign([]byte(payload))
	if err != nil {
		return nil, errors.Wrap(err, "wallet refused delegation")
	}

	return &Identity{
		wallet:  w,
		ephPub:  pub,
		ephPriv: priv,
		delegation: AuthLink{
			Type:      linkEphemeral,
			Payload:   payload,
			Signature: "0x" + hex.EncodeToString(sig),
		},
		expiresAt: expires,
	}, nil
}

// Address returns the wallet's account address.
func (id *Identity) Address() Address {
	return id.wallet.Address()
}

// ExpiresAt returns the delegation deadline.
func (id *Identity) ExpiresAt() time.Time {
	return id.expiresAt
}

// SignPayload signs a payload with the ephemeral key and returns the full
// auth chain as JSON, suitable for challenge handshakes.
func (id *Identity) SignPayload(payload string) (string, error) {
	sig := ed25519.Sign(id.ephPriv, []byte(payload))

	chain := []AuthLink{
		{Type: linkSigner, Payload: id.wallet.Address().String()},
		id.delegation,
		{Type: linkSignedEntity, Payload: payload, Signature: "0x" + hex.EncodeToString(sig)},
	}

	out, err := json.Marshal(chain)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal auth chain")
	}
	return string(out), nil
}

// DevWallet is an in-memory wallet for local runs and tests. Not a custody
// solution.
type DevWallet struct {
	priv ed25519.PrivateKey
	addr Address
}

// NewDevWallet generates a throwaway wallet.
func NewDevWallet() (*DevWallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate wallet key")
	}
	sum := sha256.Sum256(pub)
	var addr Address
	copy(addr[:], sum[12:32])
	return &DevWallet{priv: priv, addr: addr}, nil
}

// Address implements Wallet.
func (w *DevWallet) Address() Address { return w.addr }

// Sign implements Wallet.
func (w *DevWallet) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(w.priv, payload), nil
}
