package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirSink writes received files into Dir. Names are reduced to their base
// name and never overwrite an existing file: "a.txt" becomes "a (1).txt".
type DirSink struct {
	Dir string

	// OnSaved is called with the final path of each stored file.
	OnSaved func(path string)
}

func (d DirSink) Receive(file File) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}

	name := safeBaseName(file.Name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(d.Dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := f.Write(file.Data); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		if d.OnSaved != nil {
			d.OnSaved(path)
		}
		return nil
	}
	return fmt.Errorf("no free file name for %q in %s", name, d.Dir)
}

func safeBaseName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	switch base {
	case "", ".", "..", "/":
		return "received"
	}
	return base
}
