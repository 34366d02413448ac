package ownership

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// digestKey domain-separates owner-table digests from any other BLAKE3 use.
var digestKey = [32]byte{
	'c', 'o', 'l', 'o', 'c', 'a', 't', 'e', '.', 'o', 'w', 'n', 'e', 'r', 's', 'h',
	'i', 'p', '.', 'd', 'i', 'g', 'e', 's', 't', 0, 0, 0, 0, 0, 0, 0,
}

// Digest returns the hex BLAKE3 keyed hash of (id, owner, epoch) for every
// object, in id order. The input slice is not modified.
func Digest(objects []Object) string {
	sorted := make([]Object, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("ownership: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var epoch [8]byte
	for _, obj := range sorted {
		hasher.Write([]byte(obj.ID))
		hasher.Write([]byte{0})
		hasher.Write([]byte(obj.Owner))
		hasher.Write([]byte{0})
		binary.BigEndian.PutUint64(epoch[:], obj.Epoch)
		hasher.Write(epoch[:])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
