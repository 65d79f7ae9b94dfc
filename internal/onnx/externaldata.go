package onnx

import (
	"fmt"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// External data descriptor keys.
const (
	ExternalDataLocation = "location"
	ExternalDataOffset   = "offset"
	ExternalDataLength   = "length"
	ExternalDataChecksum = "checksum"

	// ExternalDataPrepacked prefixes every packed-blob hint key
	// ("prepacked0", "prepacked1", ...).
	ExternalDataPrepacked = "prepacked"
)

const (
	prepackedSep = "|"
	blobSep      = ";"
)

// PrepackedBlobInfo locates one packed buffer in the tensor's external file.
type PrepackedBlobInfo struct {
	Offset   int64
	Length   int64
	Checksum string
}

// ExternalDataInfo describes where an external tensor's bytes live, and where
// any packed forms of the weight were written next to them.
type ExternalDataInfo struct {
	Location string // relative to the model directory
	Offset   int64
	Length   int64 // 0 means to the end of the file
	Checksum string

	// Packed-blob key -> buffers, in the order the keys first appeared.
	// Nil when the descriptor carries no usable hint.
	Prepacked *orderedmap.OrderedMap[string, []PrepackedBlobInfo]
}

// ParseExternalData reads a tensor's external_data entries.
//
// location, offset and length are strict: a missing location or an unknown
// key is ErrModelFormat, and an offset or length that is not a non-negative
// decimal integer is ErrParse. Known keys with an empty value are ignored.
//
// prepacked* hints are tolerant. A value is "KEY|OFF;LEN;CKSUM[|OFF;LEN;CKSUM...]";
// segments that do not hold exactly three fields are dropped, as is a key left
// with no segment. Hints from several prepacked* entries that name the same
// key accumulate in entry order. Numbers inside a well-formed segment are
// still strict: a three-field segment whose offset or length does not parse
// fails the whole descriptor with ErrParse rather than being dropped like
// other unusable hints.
func ParseExternalData(entries []StringStringEntry) (*ExternalDataInfo, error) {
	info := &ExternalDataInfo{}
	prepacked := orderedmap.New[string, []PrepackedBlobInfo]()

	for _, e := range entries {
		if !knownExternalDataKey(e.Key) {
			return nil, fmt.Errorf("%w: unknown external data key %q", ErrModelFormat, e.Key)
		}
		if e.Value == "" {
			continue
		}

		switch {
		case e.Key == ExternalDataLocation:
			info.Location = e.Value
		case e.Key == ExternalDataOffset:
			n, err := parseSize(e.Value)
			if err != nil {
				return nil, fmt.Errorf("external data %s: %w", e.Key, err)
			}
			info.Offset = n
		case e.Key == ExternalDataLength:
			n, err := parseSize(e.Value)
			if err != nil {
				return nil, fmt.Errorf("external data %s: %w", e.Key, err)
			}
			info.Length = n
		case e.Key == ExternalDataChecksum:
			info.Checksum = e.Value
		default:
			if err := parsePrepacked(e.Value, prepacked); err != nil {
				return nil, fmt.Errorf("external data %s: %w", e.Key, err)
			}
		}
	}

	if info.Location == "" {
		return nil, fmt.Errorf("%w: missing %q", ErrModelFormat, ExternalDataLocation)
	}
	if prepacked.Len() > 0 {
		info.Prepacked = prepacked
	}
	return info, nil
}

func knownExternalDataKey(key string) bool {
	switch key {
	case ExternalDataLocation, ExternalDataOffset, ExternalDataLength, ExternalDataChecksum:
		return true
	}
	return strings.HasPrefix(key, ExternalDataPrepacked)
}

func parsePrepacked(value string, into *orderedmap.OrderedMap[string, []PrepackedBlobInfo]) error {
	fields := splitNonEmpty(value, prepackedSep)
	if len(fields) < 2 {
		return nil
	}

	key := fields[0]
	blobs, _ := into.Get(key)
	for _, segment := range fields[1:] {
		parts := splitNonEmpty(segment, blobSep)
		if len(parts) != 3 {
			continue
		}
		offset, err := parseSize(parts[0])
		if err != nil {
			return err
		}
		length, err := parseSize(parts[1])
		if err != nil {
			return err
		}
		blobs = append(blobs, PrepackedBlobInfo{Offset: offset, Length: length, Checksum: parts[2]})
	}

	if len(blobs) > 0 {
		into.Set(key, blobs)
	}
	return nil
}

func parseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrParse, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %q is negative", ErrParse, s)
	}
	return n, nil
}

// splitNonEmpty splits s around sep and drops empty fields.
func splitNonEmpty(s, sep string) []string {
	var fields []string
	for f := range strings.SplitSeq(s, sep) {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// HasPrepacked reports whether the descriptor carries any packed-blob hint.
func (info *ExternalDataInfo) HasPrepacked() bool {
	return info.Prepacked != nil && info.Prepacked.Len() > 0
}

// PrepackedKeys returns the hinted packed-blob keys in first-appearance order.
func (info *ExternalDataInfo) PrepackedKeys() []string {
	if info.Prepacked == nil {
		return nil
	}
	keys := make([]string, 0, info.Prepacked.Len())
	for pair := info.Prepacked.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// PrepackedBlobs returns the buffers hinted for key.
func (info *ExternalDataInfo) PrepackedBlobs(key string) []PrepackedBlobInfo {
	if info.Prepacked == nil {
		return nil
	}
	blobs, _ := info.Prepacked.Get(key)
	return blobs
}

// Entries emits the descriptor back as external_data entries: the location
// triple, the checksum when set, then one prepacked entry per hinted key.
func (info *ExternalDataInfo) Entries() []StringStringEntry {
	entries := ExternalLocationEntries(info.Location, info.Offset, info.Length)
	if info.Checksum != "" {
		entries = append(entries, StringStringEntry{Key: ExternalDataChecksum, Value: info.Checksum})
	}
	var packed []PrepackedEntry
	for _, key := range info.PrepackedKeys() {
		packed = append(packed, PrepackedEntry{Key: key, Blobs: info.PrepackedBlobs(key)})
	}
	return append(entries, PrepackedEntries(packed)...)
}

// ExternalLocationEntries returns the location, offset and length entries of
// a tensor stored in path.
func ExternalLocationEntries(path string, offset, length int64) []StringStringEntry {
	return []StringStringEntry{
		{Key: ExternalDataLocation, Value: path},
		{Key: ExternalDataOffset, Value: strconv.FormatInt(offset, 10)},
		{Key: ExternalDataLength, Value: strconv.FormatInt(length, 10)},
	}
}

// PrepackedEntry is one packed-blob key and the buffers written for it.
type PrepackedEntry struct {
	Key   string
	Blobs []PrepackedBlobInfo
}

// PrepackedEntries encodes packed-blob hints, one "prepackedN" entry per key.
// Keys without buffers are skipped.
func PrepackedEntries(packed []PrepackedEntry) []StringStringEntry {
	var entries []StringStringEntry
	for _, p := range packed {
		if len(p.Blobs) == 0 {
			continue
		}
		var sb strings.Builder
		sb.WriteString(p.Key)
		for _, b := range p.Blobs {
			sb.WriteString(prepackedSep)
			sb.WriteString(strconv.FormatInt(b.Offset, 10))
			sb.WriteString(blobSep)
			sb.WriteString(strconv.FormatInt(b.Length, 10))
			sb.WriteString(blobSep)
			sb.WriteString(b.Checksum)
		}
		entries = append(entries, StringStringEntry{
			Key:   ExternalDataPrepacked + strconv.Itoa(len(entries)),
			Value: sb.String(),
		})
	}
	return entries
}

// WithoutPrepacked returns entries with every prepacked* hint removed.
func WithoutPrepacked(entries []StringStringEntry) []StringStringEntry {
	kept := make([]StringStringEntry, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, ExternalDataPrepacked) {
			kept = append(kept, e)
		}
	}
	return kept
}
