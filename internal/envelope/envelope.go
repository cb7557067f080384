// Package envelope implements the signed protocol message envelope exchanged
// between clients and concent. Messages are signed with secp256k1 keys; a
// client's identity is its 64-byte uncompressed public key without the 0x04
// prefix.
package envelope

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/etsangsplk/concent/internal/domain"
)

// PublicKeyLength is the length of a raw client public key.
const PublicKeyLength = 64

// Envelope is a typed, timestamped, signed message.
type Envelope struct {
	Type      Type            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Sig       []byte          `json:"sig,omitempty"`
}

// Seal marshals payload into a new envelope and signs it with key.
func Seal(typ Type, timestamp int64, payload any, key *ecdsa.PrivateKey) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env := &Envelope{Type: typ, Timestamp: timestamp, Payload: data}
	sig, err := crypto.Sign(env.digest(), key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", typ, err)
	}
	env.Sig = sig
	return env, nil
}

// Open parses raw bytes into an envelope without checking the signature.
func Open(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.WrapError(domain.CodeMessageInvalid, "decode envelope", err)
	}
	if env.Type == "" || len(env.Payload) == 0 {
		return nil, domain.NewError(domain.CodeMessageInvalid, "envelope has no type or payload")
	}
	return &env, nil
}

// Bytes returns the wire form of the envelope.
func (e *Envelope) Bytes() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Envelope fields are plain bytes and strings; marshal cannot fail.
		panic(fmt.Sprintf("marshal envelope: %v", err))
	}
	return data
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return domain.WrapError(domain.CodeMessageInvalid, fmt.Sprintf("decode %s payload", e.Type), err)
	}
	return nil
}

// Expect returns ErrMessageUnexpected unless the envelope has type typ.
func (e *Envelope) Expect(typ Type) error {
	if e.Type != typ {
		return domain.NewError(domain.CodeMessageUnexpected, fmt.Sprintf("expected %s, got %s", typ, e.Type))
	}
	return nil
}

// Signer recovers the raw public key that produced the signature.
func (e *Envelope) Signer() ([]byte, error) {
	if len(e.Sig) != crypto.SignatureLength {
		return nil, domain.NewError(domain.CodeMessageSignatureWrong, "signature has wrong length")
	}
	pub, err := crypto.Ecrecover(e.digest(), e.Sig)
	if err != nil {
		return nil, domain.WrapError(domain.CodeMessageSignatureWrong, "recover signer", err)
	}
	return pub[1:], nil
}

// VerifiedBy checks that the envelope was signed by the given raw public key.
func (e *Envelope) VerifiedBy(publicKey []byte) error {
	signer, err := e.Signer()
	if err != nil {
		return err
	}
	if !bytes.Equal(signer, publicKey) {
		return domain.ErrMessageSignatureWrong
	}
	return nil
}

// digest hashes the signed portion of the envelope.
func (e *Envelope) digest() []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	return crypto.Keccak256([]byte(e.Type), []byte{0}, ts[:], e.Payload)
}

// PublicKey returns the raw 64-byte public key of a private key.
func PublicKey(key *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSAPub(&key.PublicKey)[1:]
}

// ValidPublicKey reports whether b is a well-formed raw public key on the curve.
func ValidPublicKey(b []byte) bool {
	if len(b) != PublicKeyLength {
		return false
	}
	_, err := crypto.UnmarshalPubkey(append([]byte{0x04}, b...))
	return err == nil
}

// EthereumAddress derives the account address for a raw public key.
func EthereumAddress(publicKey []byte) (common.Address, error) {
	pub, err := crypto.UnmarshalPubkey(append([]byte{0x04}, publicKey...))
	if err != nil {
		return common.Address{}, fmt.Errorf("parse public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// LoadPrivateKey parses a hex-encoded secp256k1 private key.
func LoadPrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
