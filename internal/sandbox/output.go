package sandbox

import "io"

// defaultMaxOutputBytes caps guest print() output.
const defaultMaxOutputBytes = 1 << 20 // 1 MB

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is dropped without error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Drop.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
