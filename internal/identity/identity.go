// Package identity holds the user's signing key: generation, import from hex
// or nsec, bech32 rendering and BIP-340 event signing and verification.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcutil/bech32"

	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/nostrmeet/nostrmeet/internal/event"
)

const (
	hrpSecret = "nsec"
	hrpPublic = "npub"
)

// Signer turns templates into signed events. The discovery service only
// knows this interface, so tests and remote signers can stand in for a key.
type Signer interface {
	// PublicKey returns the 64-char lowercase hex x-only public key.
	PublicKey() string
	// Sign stamps the pubkey, computes the id and signs it.
	Sign(t event.Template) (event.Event, error)
}

// KeySigner signs with an in-memory secp256k1 private key.
type KeySigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// GenerateKey creates a fresh random key.
func GenerateKey() (*KeySigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, apperrors.New(apperrors.CodeInvalidKey, "generate key", err)
	}
	return newKeySigner(priv), nil
}

// ParseSecret accepts a 64-char hex secret or an nsec1 bech32 string.
func ParseSecret(s string) (*KeySigner, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	if strings.HasPrefix(strings.ToLower(s), hrpSecret+"1") {
		b, err := decodeBech32(hrpSecret, s)
		if err != nil {
			return nil, err
		}
		raw = b
	} else {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidKey, "secret key is neither hex nor nsec", err)
		}
		raw = b
	}
	if len(raw) != 32 {
		return nil, apperrors.Newf(apperrors.CodeInvalidKey, "secret key must be 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, apperrors.Newf(apperrors.CodeInvalidKey, "secret key is zero")
	}
	return newKeySigner(priv), nil
}

func newKeySigner(priv *btcec.PrivateKey) *KeySigner {
	return &KeySigner{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PublicKey returns the hex x-only public key.
func (k *KeySigner) PublicKey() string { return k.pubHex }

// SecretHex returns the raw secret as hex.
func (k *KeySigner) SecretHex() string { return hex.EncodeToString(k.priv.Serialize()) }

// NSec returns the secret in nsec bech32 form.
func (k *KeySigner) NSec() string {
	s, _ := encodeBech32(hrpSecret, k.priv.Serialize())
	return s
}

// NPub returns the public key in npub bech32 form.
func (k *KeySigner) NPub() string {
	s, _ := NPub(k.pubHex)
	return s
}

// Sign fills in pubkey, id and signature.
func (k *KeySigner) Sign(t event.Template) (event.Event, error) {
	ev := event.Event{
		PubKey:    k.pubHex,
		CreatedAt: t.CreatedAt,
		Kind:      t.Kind,
		Tags:      t.Tags,
		Content:   t.Content,
	}
	if ev.Tags == nil {
		ev.Tags = event.Tags{}
	}
	sum := sha256.Sum256(event.Serialize(ev.PubKey, t))
	sig, err := schnorr.Sign(k.priv, sum[:])
	if err != nil {
		return event.Event{}, fmt.Errorf("sign event: %w", err)
	}
	ev.ID = hex.EncodeToString(sum[:])
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return ev, nil
}

// Verify checks that the id matches the content and the signature is valid
// for the pubkey.
func Verify(ev event.Event) error {
	if !ev.CheckID() {
		return fmt.Errorf("event id mismatch")
	}
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	idBytes, _ := hex.DecodeString(ev.ID)
	if !sig.Verify(idBytes, pub) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// NPub renders a hex public key as npub.
func NPub(pubHex string) (string, error) {
	b, err := hex.DecodeString(pubHex)
	if err != nil || len(b) != 32 {
		return "", apperrors.Newf(apperrors.CodeInvalidKey, "public key must be 64 hex chars")
	}
	return encodeBech32(hrpPublic, b)
}

// ParsePublic accepts a hex public key or an npub and returns hex.
func ParsePublic(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), hrpPublic+"1") {
		b, err := decodeBech32(hrpPublic, s)
		if err != nil {
			return "", err
		}
		if len(b) != 32 {
			return "", apperrors.Newf(apperrors.CodeInvalidKey, "npub must carry 32 bytes, got %d", len(b))
		}
		return hex.EncodeToString(b), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return "", apperrors.Newf(apperrors.CodeInvalidKey, "public key must be 64 hex chars or npub")
	}
	return strings.ToLower(s), nil
}

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}

func decodeBech32(wantHRP, s string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeInvalidKey, "invalid bech32 key", err)
	}
	if hrp != wantHRP {
		return nil, apperrors.Newf(apperrors.CodeInvalidKey, "expected %s key, got %s", wantHRP, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeInvalidKey, "invalid bech32 payload", err)
	}
	return raw, nil
}
