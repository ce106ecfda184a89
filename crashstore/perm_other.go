//go:build !unix

package crashstore

import "os"

func readable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o444 != 0
}
