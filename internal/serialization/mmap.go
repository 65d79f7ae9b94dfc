package serialization

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// MappedFile is a read-only memory mapping of an external data file.
//
// The opener holds the first reference. Every blob built on a segment of the
// mapping takes another with Retain and gives it back with Release; the file
// is unmapped when the count drops to zero. Segments returned by Segment are
// valid only while at least one reference is held.
type MappedFile struct {
	path string
	file *os.File
	data []byte
	size int64

	refs atomic.Int32
	mu   sync.Mutex // guards unmapping
}

// OpenMapped opens path read-only and maps it into memory.
//
// Important: Always call Close() when done (use defer).
func OpenMapped(path string) (*MappedFile, error) {
	//nolint:gosec // G304: path comes from the model's external_data location
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	var data []byte
	if stat.Size() > 0 {
		data, err = mapFile(file, stat.Size())
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("mmap %s failed: %w", path, err)
		}
	}

	m := &MappedFile{
		path: path,
		file: file,
		data: data,
		size: stat.Size(),
	}
	m.refs.Store(1)
	return m, nil
}

// Path returns the path the file was opened with.
func (m *MappedFile) Path() string {
	return m.path
}

// Size returns the file size in bytes.
func (m *MappedFile) Size() int64 {
	return m.size
}

// Segment returns a zero-copy view of [offset, offset+length).
// A length of 0 means "to the end of the file", matching external_data.
//
// WARNING: The data is read-only - writing to it will fault.
func (m *MappedFile) Segment(offset, length int64) ([]byte, error) {
	if m.refs.Load() <= 0 {
		return nil, &SegmentError{Path: m.path, Offset: offset, Length: length, Err: ErrClosed}
	}
	if offset < 0 || length < 0 {
		return nil, &SegmentError{Path: m.path, Offset: offset, Length: length, Err: ErrNegativeOffset}
	}
	if offset > m.size {
		return nil, &SegmentError{Path: m.path, Offset: offset, Length: length, Err: ErrOutOfBounds}
	}
	if length == 0 {
		length = m.size - offset
	}
	end := offset + length
	if end > m.size || end < offset {
		return nil, &SegmentError{Path: m.path, Offset: offset, Length: length, Err: ErrOutOfBounds}
	}
	return m.data[offset:end:end], nil
}

// Retain adds a reference to the mapping.
func (m *MappedFile) Retain() {
	m.refs.Add(1)
}

// Release drops a reference and unmaps the file when it was the last one.
func (m *MappedFile) Release() error {
	if m.refs.Add(-1) != 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.data != nil {
		err = unmapFile(m.data)
		m.data = nil
	}
	if closeErr := m.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close releases the opener's reference.
func (m *MappedFile) Close() error {
	return m.Release()
}
