package p2p

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// NewIdentity generates a fresh ed25519 node identity. The private half stays
// in memory for the lifetime of the process; persisting it is a collaborator
// concern, not ours. Failure here means the entropy source is broken and is
// fatal to startup.
func NewIdentity() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return priv, nil
}

// IdentityFromSeed derives a deterministic identity from an arbitrary seed.
// Test use only; production endpoints must use NewIdentity.
func IdentityFromSeed(seed []byte) (crypto.PrivKey, error) {
	sum := sha256.Sum256(seed)
	priv, _, err := crypto.GenerateEd25519Key(bytes.NewReader(sum[:]))
	if err != nil {
		return nil, fmt.Errorf("generate identity from seed: %w", err)
	}
	return priv, nil
}

// NodeIDHex encodes the raw public key of id as a hex string for human
// sharing (printed on one node, pasted on the collaborating one).
func NodeIDHex(id peer.ID) (string, error) {
	pk, err := id.ExtractPublicKey()
	if err != nil {
		return "", fmt.Errorf("extract public key from %s: %w", id, err)
	}
	raw, err := pk.Raw()
	if err != nil {
		return "", fmt.Errorf("raw public key of %s: %w", id, err)
	}
	return hex.EncodeToString(raw), nil
}

// DecodeNodeIDHex is the inverse of NodeIDHex.
func DecodeNodeIDHex(s string) (peer.ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode node id %q: %w", s, err)
	}
	pk, err := crypto.UnmarshalEd25519PublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("decode node id %q: %w", s, err)
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", fmt.Errorf("decode node id %q: %w", s, err)
	}
	return id, nil
}

// SiteID derives a compact replica identifier from the node identity, taken
// from the leading bytes of the public key. Collisions would need two keys
// sharing a 64-bit prefix.
func SiteID(id peer.ID) (uint64, error) {
	pk, err := id.ExtractPublicKey()
	if err != nil {
		return 0, fmt.Errorf("site id of %s: %w", id, err)
	}
	raw, err := pk.Raw()
	if err != nil {
		return 0, fmt.Errorf("site id of %s: %w", id, err)
	}
	if len(raw) < 8 {
		return 0, fmt.Errorf("site id of %s: public key too short", id)
	}
	return binary.LittleEndian.Uint64(raw[:8]), nil
}
