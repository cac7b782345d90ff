package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
)

// BackupName is the file name of a backup taken at t.
func BackupName(t time.Time) string {
	return fmt.Sprintf("backup_%s_%06d.zip", t.Format("02_01_2006_15_04_05"), t.Nanosecond()/1000)
}

// Backup zips the content of src into a timestamped archive in targetDir
// and returns its path. Entries are relative to src.
func Backup(src, targetDir string, now time.Time) (string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create backup directory %s: %w", targetDir, err)
	}

	target := filepath.Join(targetDir, BackupName(now))
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("unable to create backup %s: %w", target, err)
	}

	zw := zip.NewWriter(f)
	walkErr := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		return addFile(zw, p, filepath.ToSlash(rel))
	})

	closeErr := zw.Close()
	if err := f.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if walkErr != nil || closeErr != nil {
		_ = os.Remove(target)
		if walkErr != nil {
			return "", fmt.Errorf("unable to back up %s: %w", src, walkErr)
		}
		return "", fmt.Errorf("unable to finish backup %s: %w", target, closeErr)
	}
	return target, nil
}

func addFile(zw *zip.Writer, file, name string) error {
	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	in, err := os.Open(file)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}
