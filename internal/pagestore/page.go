// Package pagestore provides durable, encrypted, fixed-size page storage.
// Every successful page write appends exactly one ChangeRecord to the
// change log before the page itself is written, which makes the log the
// redo journal used to recover after a crash.
package pagestore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/atinyakov/CipherSync/internal/crypto"
)

// PageSize is the on-disk size of every page, header page included.
const PageSize = 4096

// PayloadSize is the plaintext capacity of a data page.
const PayloadSize = PageSize - crypto.Overhead

// PageID identifies a page. Page 0 is the store header.
type PageID uint64

var (
	// ErrNotFound means the page was never written.
	ErrNotFound = errors.New("page not found")
	// ErrCorruption matches every *CorruptionError.
	ErrCorruption = errors.New("page corrupted")
	// ErrInvalidPageID rejects the reserved id 0.
	ErrInvalidPageID = errors.New("invalid page id")
	// ErrPageTooLarge rejects payloads over PayloadSize.
	ErrPageTooLarge = errors.New("page payload too large")
)

// CorruptionError reports a page whose integrity tag did not verify. It
// is fatal for that page only.
type CorruptionError struct {
	PageID PageID
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("page %d corrupted: %v", e.PageID, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// Page is a verified page. Ciphertext is the sealed slot as stored
// (nonce || ciphertext || tag) and Data the authenticated plaintext.
type Page struct {
	ID         PageID
	Ciphertext []byte
	Tag        []byte
	Data       []byte
}

func newPage(id PageID, sealed, plain []byte) Page {
	return Page{
		ID:         id,
		Ciphertext: sealed,
		Tag:        sealed[len(sealed)-crypto.TagSize:],
		Data:       plain,
	}
}

// pageAAD binds a sealed page to its slot so it cannot be moved.
func pageAAD(id PageID) []byte {
	var aad [8]byte
	binary.LittleEndian.PutUint64(aad[:], uint64(id))
	return aad[:]
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
