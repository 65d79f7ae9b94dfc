package serialization

import (
	"fmt"
	"io"
	"os"
)

// SegmentAlignment is the boundary every segment starts on.
const SegmentAlignment = 64

// Segment is the placement of one buffer inside an external data file.
type Segment struct {
	Offset   int64
	Length   int64
	Checksum string
}

// BlobWriter appends aligned segments to an external data file.
// Existing content is left in place, so offsets recorded before the writer was
// opened stay valid.
type BlobWriter struct {
	file  *os.File
	path  string
	start int64
	off   int64
}

// OpenBlobWriter opens path for appending, creating it if needed.
func OpenBlobWriter(path string) (*BlobWriter, error) {
	//nolint:gosec // G304: path is chosen by the caller saving the model
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob file: %w", err)
	}
	off, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek blob file: %w", err)
	}
	return &BlobWriter{file: file, path: path, start: off, off: off}, nil
}

// Path returns the file being written.
func (w *BlobWriter) Path() string {
	return w.path
}

// Offset returns the current end of file.
func (w *BlobWriter) Offset() int64 {
	return w.off
}

// Write pads the file to the next segment boundary and appends data.
func (w *BlobWriter) Write(data []byte) (Segment, error) {
	if w.file == nil {
		return Segment{}, ErrClosed
	}

	if pad := alignUp(w.off) - w.off; pad > 0 {
		if _, err := w.file.Write(make([]byte, pad)); err != nil {
			return Segment{}, fmt.Errorf("failed to write padding: %w", err)
		}
		w.off += pad
	}

	seg := Segment{
		Offset:   w.off,
		Length:   int64(len(data)),
		Checksum: ChecksumHex(data),
	}
	n, err := w.file.Write(data)
	w.off += int64(n)
	if err != nil {
		return Segment{}, fmt.Errorf("failed to write segment: %w", err)
	}
	return seg, nil
}

// WriteAll writes each buffer as its own segment.
func (w *BlobWriter) WriteAll(buffers [][]byte) ([]Segment, error) {
	segs := make([]Segment, 0, len(buffers))
	for _, buf := range buffers {
		seg, err := w.Write(buf)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// Rollback truncates the file back to its size when the writer was opened,
// dropping every segment written since.
func (w *BlobWriter) Rollback() error {
	if w.file == nil {
		return ErrClosed
	}
	if err := w.file.Truncate(w.start); err != nil {
		return fmt.Errorf("failed to truncate blob file: %w", err)
	}
	if _, err := w.file.Seek(w.start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek blob file: %w", err)
	}
	w.off = w.start
	return nil
}

// Close flushes and closes the file. It is safe to call Close multiple times.
func (w *BlobWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if closeErr := w.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	w.file = nil
	return err
}

func alignUp(off int64) int64 {
	return (off + SegmentAlignment - 1) / SegmentAlignment * SegmentAlignment
}
