package stdio

import (
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// HUPPollInterval is the re-arm interval used when a pty master has no
// slave side currently open, per spec.md section 4.2 and 9: "de-registered
// and replaced by a 100 ms polling timer that re-arms readability".
const HUPPollInterval = 100 * time.Millisecond

// ReadLoop reads f in ReadBufSize chunks, tagging each with tag, and sends
// them on out until EOF or the done channel is closed. It is meant to run
// in its own goroutine, one per master descriptor, feeding the dispatch
// goroutine exactly as SPEC_FULL.md section 4.2/4.7 describes.
//
// isPtyStdout controls the HUP-flapping workaround: when set and a read
// fails with EIO (the error a pty master returns once no slave remains
// open), the goroutine does not tear the stream down. Instead it sleeps
// HUPPollInterval and retries, so a momentarily-closed slave that may be
// reopened does not end the container's output stream.
func ReadLoop(f *os.File, tag StreamTag, isPtyStdout bool, out chan<- Chunk, done <-chan struct{}) {
	defer close(out)

	for {
		select {
		case <-done:
			return
		default:
		}

		buf := make([]byte, ReadBufSize+2)
		// buf[0] is reserved for the attach frame tag; payload starts at
		// buf[1] and a trailing NUL at buf[len-1] is kept available for
		// journal safety, per spec.md section 4.2.
		n, err := f.Read(buf[1 : 1+ReadBufSize])
		if n > 0 {
			buf[0] = byte(tag)
			chunk := Chunk{Tag: tag, Data: buf[:1+n]}
			select {
			case out <- chunk:
			case <-done:
				return
			}
		}

		if err == nil {
			continue
		}

		if isPtyStdout && errors.Is(err, unix.EIO) {
			select {
			case <-time.After(HUPPollInterval):
				continue
			case <-done:
				return
			}
		}

		if err == io.EOF || n == 0 {
			select {
			case out <- Chunk{Tag: tag, EOF: true}:
			case <-done:
			}
			return
		}

		// Any other error also ends the stream; there is nothing more a
		// non-blocking reader can usefully retry on.
		select {
		case out <- Chunk{Tag: tag, EOF: true}:
		case <-done:
		}
		return
	}
}
