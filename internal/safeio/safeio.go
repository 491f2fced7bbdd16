// Package safeio implements convenient I/O routines that provide additional
// levels of safety in the presence of unexpected failures.
package safeio

import (
	"io/ioutil"
	"os"
	"path"
	"syscall"
)

// WriteFile writes data to a file named by filename, atomically.
// It's a wrapper to ioutil.WriteFile, but provides atomicity (and increased
// safety) by writing to a temporary file and renaming it at the end.
//
// Note this relies on same-directory Rename being atomic, which holds in most
// reasonably modern filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode) error {
	return writeFile(filename, data, perm, false)
}

// WriteFileSync behaves like WriteFile, but additionally fsyncs the file
// (and, best-effort, its containing directory) before renaming it into
// place. Spool writers use this: a write that is acknowledged to the SMTP
// client must still be recoverable after a crash.
func WriteFileSync(filename string, data []byte, perm os.FileMode) error {
	return writeFile(filename, data, perm, true)
}

func writeFile(filename string, data []byte, perm os.FileMode, flush bool) error {
	// Note we create the temporary file in the same directory, otherwise we
	// would have no expectation of Rename being atomic.
	// We make the file names start with "." so there's no confusion with the
	// originals.
	dir := path.Dir(filename)
	tmpf, err := ioutil.TempFile(dir, "."+path.Base(filename))
	if err != nil {
		return err
	}

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if uid, gid := getOwner(filename); uid >= 0 {
		if err = tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if flush {
		if err = tmpf.Sync(); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	if err = os.Rename(tmpf.Name(), filename); err != nil {
		return err
	}

	if flush {
		if d, err := os.Open(dir); err == nil {
			d.Sync()
			d.Close()
		}
	}

	return nil
}

func getOwner(fname string) (uid, gid int) {
	uid = -1
	gid = -1
	stat, err := os.Stat(fname)
	if err == nil {
		if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
			uid = int(sysstat.Uid)
			gid = int(sysstat.Gid)
		}
	}

	return
}
