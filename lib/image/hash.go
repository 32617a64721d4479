// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 keyed digest.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Domain keys keep block checksums and content fingerprints from ever
// colliding. ASCII, zero-padded to 32 bytes.
var (
	blockDomainKey = [32]byte{
		't', 'e', 'b', 'a', 'k', 'o', '.', 'i', 'm', 'a', 'g', 'e', '.',
		'b', 'l', 'o', 'c', 'k',
	}
	contentDomainKey = [32]byte{
		't', 'e', 'b', 'a', 'k', 'o', '.', 'i', 'm', 'a', 'g', 'e', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't',
	}
)

// hashBlock checksums a block's stored bytes.
func hashBlock(stored []byte) Hash {
	return keyedHash(&blockDomainKey, stored)
}

// hashContent fingerprints file contents for deduplication.
func hashContent(data []byte) Hash {
	return keyedHash(&contentDomainKey, data)
}

func keyedHash(key *[32]byte, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("image: blake3 keyed hasher: " + err.Error())
	}
	hasher.Write(data)
	var digest Hash
	copy(digest[:], hasher.Sum(nil))
	return digest
}
