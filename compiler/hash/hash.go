// Package hash computes content digests of parsed Nai programs.
//
// The digest covers a deterministic serialization of the program's AST with
// comments and source positions dropped and every parameter and local
// variable replaced by its declaration index within the function. Two
// sources that differ only in layout, comments or local names hash equal.
package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/chazu/nai/compiler"
)

// Digest is a SHA-256 content hash.
type Digest [32]byte

// String returns the digest in lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// HashFile computes the digest of a parsed file. The file name is not part
// of the digest.
func HashFile(f *compiler.File) Digest {
	return sha256.Sum256(Serialize(f))
}

// HashSource parses src and returns its digest. Sources that fail to parse
// have no digest.
func HashSource(name, src string) (Digest, error) {
	f, err := compiler.Parse(name, src)
	if err != nil {
		return Digest{}, err
	}
	return HashFile(f), nil
}
