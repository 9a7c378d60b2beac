package accounts

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/fortiblox/x1-invoke/internal/types"
)

// ComputeAccountHash computes the hash of a single account.
//
// hash = SHA256(lamports || rent_epoch || data || executable || owner || pubkey)
// A nil or zero account hashes to the zero hash.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	if account == nil || account.IsZero() {
		return types.Hash{}
	}
	buf := make([]byte, 8+8+len(account.Data)+1+32+32)
	le := binary.LittleEndian

	le.PutUint64(buf[0:], account.Lamports)
	le.PutUint64(buf[8:], account.RentEpoch)
	off := 16 + copy(buf[16:], account.Data)
	if account.Executable {
		buf[off] = 1
	}
	off++
	off += copy(buf[off:], account.Owner[:])
	copy(buf[off:], pubkey[:])

	return sha256.Sum256(buf)
}

// DeltaHash computes the hash over a set of written accounts. Entries are
// hashed in pubkey order so the result does not depend on write order;
// deleted accounts contribute the zero hash.
func DeltaHash(entries []AccountEntry) types.Hash {
	if len(entries) == 0 {
		return types.Hash{}
	}
	sorted := append([]AccountEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Pubkey[:], sorted[j].Pubkey[:]) < 0
	})

	hashes := make([]types.Hash, len(sorted))
	for i, e := range sorted {
		hashes[i] = ComputeAccountHash(e.Pubkey, e.Account)
	}
	return ComputeMerkleRoot(hashes)
}

// ComputeMerkleRoot computes the Merkle root of a list of hashes.
// Uses a binary Merkle tree with SHA256.
//
// Tree structure:
// - Leaf: SHA256(0x00 || hash)
// - Node: SHA256(0x01 || left || right)
// - If odd number of nodes, last node is paired with zero hash
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = computeLeafHash(h)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = computeNodeHash(level[i], right)
		}
		level = next
	}
	return level[0]
}

func computeLeafHash(data types.Hash) types.Hash {
	var buf [1 + 32]byte
	copy(buf[1:], data[:])
	return sha256.Sum256(buf[:])
}

func computeNodeHash(left, right types.Hash) types.Hash {
	var buf [1 + 32 + 32]byte
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return sha256.Sum256(buf[:])
}
