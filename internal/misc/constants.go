package misc

import "os"

const (
	// ServiceName namespaces every credential this tool writes to a secret vault.
	ServiceName = "secevents"

	// Argon2id parameters used to derive the file vault key from its passphrase
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	FilePermissions os.FileMode = 0600 // user read + write
	DirPermissions  os.FileMode = 0700
)
