// Package token packs an operation kind and a record identity into the 64-bit
// user data value that io_uring carries from submission to completion.
package token

// Layout of a token: 8 bits of kind at bit 50, identity in the bits below.
const (
	KindShift = 50

	// KindMask selects the kind field.
	KindMask uint64 = 0xFF << KindShift

	// MaxID is the largest identity that fits below the kind field.
	MaxID uint64 = 1<<KindShift - 1
)

// Encode returns the token for kind and id. Identities above MaxID overlap the
// kind field and are not checked here.
func Encode(kind uint8, id uint64) uint64 {
	return uint64(kind)<<KindShift | id
}

// Decode splits a token back into its kind and identity. The kind is an
// unsigned bit extraction, so a set high bit never produces a negative kind.
func Decode(t uint64) (kind uint8, id uint64) {
	return uint8((t & KindMask) >> KindShift), t &^ KindMask
}
