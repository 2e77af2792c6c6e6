//go:build !unix

package device

import "os"

// Advisory locking is only implemented on unix hosts.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
