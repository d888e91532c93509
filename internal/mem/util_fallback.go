//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// secrets are still wiped by memguard, they just cannot be pinned
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
