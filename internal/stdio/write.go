package stdio

import (
	"errors"
	"os"
	"syscall"
)

// WriteAll writes all of buf to f, retrying short writes and EINTR, per
// spec.md section 4.2's write_all helper.
func WriteAll(f *os.File, buf []byte) error {
	for len(buf) > 0 {
		n, err := f.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}
