package dm

import (
	"fmt"
	"strings"

	"github.com/elee1766/gostrata/pkg/ids"
)

// Device-mapper names are derived from immutable identifiers, never from
// display names, so renames cannot orphan kernel devices.

const namePrefix = "gostrata"

// CapName names the linear concatenation of a pool's member data regions.
func CapName(pool ids.PoolID) string {
	return fmt.Sprintf("%s-%s-cap", namePrefix, pool)
}

// CryptName names the decrypted mapping of one member device.
func CryptName(dev ids.DevID) string {
	return fmt.Sprintf("%s-%s-crypt", namePrefix, dev)
}

// ThinMetaName names a pool's thin-pool metadata sub-device.
func ThinMetaName(pool ids.PoolID) string {
	return fmt.Sprintf("%s-%s-thinmeta", namePrefix, pool)
}

// ThinDataName names a pool's thin-pool data sub-device.
func ThinDataName(pool ids.PoolID) string {
	return fmt.Sprintf("%s-%s-thindata", namePrefix, pool)
}

// ThinPoolName names a pool's thin-pool device.
func ThinPoolName(pool ids.PoolID) string {
	return fmt.Sprintf("%s-%s-thinpool", namePrefix, pool)
}

// ThinVolName names the thin volume backing one filesystem.
func ThinVolName(pool ids.PoolID, fs ids.FsID) string {
	return fmt.Sprintf("%s-%s-thin-%s", namePrefix, pool, fs)
}

// IsPoolDevice reports whether a dm device name belongs to the given pool.
// Used by recovery to spot orphaned devices.
func IsPoolDevice(name string, pool ids.PoolID) bool {
	return strings.HasPrefix(name, namePrefix+"-"+pool.String()+"-")
}

// IsManagedDevice reports whether a dm device name was created by this
// engine at all.
func IsManagedDevice(name string) bool {
	return strings.HasPrefix(name, namePrefix+"-")
}
