package ledger

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var escrowSeed = []byte("trustyclaw/escrow")

// DeriveEscrowAddress returns a deterministic address for a provider and
// skill pair. Inputs are length-prefixed so ("ab","c") and ("a","bc") differ.
func DeriveEscrowAddress(provider, skill string) string {
	hash := crypto.Keccak256(escrowSeed, lengthPrefixed(provider), lengthPrefixed(skill))
	return common.BytesToAddress(hash[12:]).Hex()
}

func lengthPrefixed(value string) []byte {
	buf := make([]byte, 4+len(value))
	binary.BigEndian.PutUint32(buf, uint32(len(value)))
	copy(buf[4:], value)
	return buf
}
