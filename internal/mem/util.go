package mem

import "fmt"

// ProtectionLevel indicates how well process memory holding secrets is protected
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Secrets are wiped after use but may be swapped
	ProtectionFull                           // All pages are locked in RAM
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionNone:
		return "none"
	case ProtectionPartial:
		return "partial"
	case ProtectionFull:
		return "full"
	default:
		return fmt.Sprintf("ProtectionLevel(%d)", int(l))
	}
}

// Lock attempts to keep passwords and vault keys from being swapped to disk.
// Lack of privilege degrades to ProtectionPartial rather than failing.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	return unlockMemoryPlatform()
}
