package runtime

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/fortiblox/cellrt/pkg/cellfs"
)

// Hexdump returns b in the canonical offset, hex and ASCII layout.
func Hexdump(b []byte) string {
	return hex.Dump(b)
}

// DumpFS writes one line per file in fs with its size. With contents set,
// each line is followed by a hexdump of the file.
func DumpFS(w io.Writer, fs *cellfs.FS, contents bool) error {
	for _, name := range fs.Names() {
		h, err := fs.Open(name)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\t%d\n", name, h.Size())
		if err == nil && contents {
			_, err = io.WriteString(w, Hexdump(h.Content))
		}
		if rerr := h.Release(); err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
