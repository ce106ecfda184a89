package intake

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxSuffix bounds the search for a free name in an error directory.
const maxSuffix = 10000

// Quarantine moves the files of one crash into dir and returns their new
// paths. Files that no longer exist are skipped. When any of the names is
// taken every file gets the same -<n> suffix, so a metadata file and its
// dump still pair up after the move.
func Quarantine(dir string, paths ...string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("intake: error directory is empty")
	}
	var present []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Lstat(p); err == nil {
			present = append(present, p)
		}
	}
	if len(present) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, err
	}
	suffix, err := freeSuffix(dir, present)
	if err != nil {
		return nil, err
	}

	moved := make([]string, 0, len(present))
	var errs []error
	for _, p := range present {
		base := filepath.Base(p)
		if suffix != "" {
			ext := filepath.Ext(base)
			base = strings.TrimSuffix(base, ext) + suffix + ext
		}
		dst := filepath.Join(dir, base)
		if err := moveFile(p, dst); err != nil {
			errs = append(errs, err)
			continue
		}
		moved = append(moved, dst)
	}
	return moved, errors.Join(errs...)
}

// freeSuffix finds the first suffix ("" then -1, -2, ...) under which none
// of the files exists in dir.
func freeSuffix(dir string, paths []string) (string, error) {
	for n := 0; n < maxSuffix; n++ {
		suffix := ""
		if n > 0 {
			suffix = fmt.Sprintf("-%d", n)
		}
		taken := false
		for _, p := range paths {
			base := filepath.Base(p)
			ext := filepath.Ext(base)
			if _, err := os.Lstat(filepath.Join(dir, strings.TrimSuffix(base, ext)+suffix+ext)); err == nil {
				taken = true
				break
			}
		}
		if !taken {
			return suffix, nil
		}
	}
	return "", fmt.Errorf("intake: no free name in %s", dir)
}

// moveFile renames src to dst, copying and removing across devices. dst
// must not exist.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
