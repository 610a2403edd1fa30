// Package output keeps an append-only journal of captured samples and access
// decisions so nothing captured is lost when the upstream is down.
package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"zk-agent-go/internal/types"
)

const (
	JournalMagic = "ZKJRNL01"

	headerSize    = 12
	maxRecordSize = 16 << 20
)

const (
	KindSample = "sample"
	KindAccess = "access"
)

// Record is one journal entry. Exactly one of Sample and Access is set.
type Record struct {
	Kind   string             `cbor:"kind"`
	Sample *types.Sample      `cbor:"sample,omitempty"`
	Access *types.AccessEvent `cbor:"access,omitempty"`
}

type Journal struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// NewJournal creates a fresh journal file under dir.
func NewJournal(dir string, prefix string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, path, err := createUnique(dir, prefix, time.Now())
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 256*1024)
	if _, err := w.WriteString(JournalMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Journal{f: f, w: w, path: path}, nil
}

// createUnique opens a new journal file named after now, adding a counter
// when a journal from the same second already exists.
func createUnique(dir, prefix string, now time.Time) (*os.File, string, error) {
	timestamp := now.Format("20060102_150405")
	for n := 0; n < 1000; n++ {
		name := fmt.Sprintf("%s_%s.bin", timestamp, prefix)
		if n > 0 {
			name = fmt.Sprintf("%s_%s_%d.bin", timestamp, prefix, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}
	return nil, "", fmt.Errorf("no free journal name for %s in %s", timestamp, dir)
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) RecordSample(sample types.Sample) error {
	return j.append(Record{Kind: KindSample, Sample: &sample})
}

func (j *Journal) RecordAccess(event types.AccessEvent) error {
	return j.append(Record{Kind: KindAccess, Access: &event})
}

func (j *Journal) append(rec Record) error {
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return errors.New("journal is closed")
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := j.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := j.w.Write(payload); err != nil {
		return err
	}
	return j.w.Flush()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	err := j.w.Flush()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.w = nil
	return err
}

// Entry is a decoded journal record with its write time.
type Entry struct {
	WrittenAt time.Time
	Size      int
	Record    Record
}

type Reader struct {
	r *bufio.Reader
}

// NewReader checks the journal magic and returns a reader positioned at the
// first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(JournalMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != JournalMagic {
		return nil, fmt.Errorf("unexpected journal magic %q", string(magic))
	}
	return &Reader{r: br}, nil
}

// Next returns the next record, or io.EOF at the end of the journal. A
// record truncated by a crash also ends the journal.
func (r *Reader) Next() (Entry, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	size := binary.LittleEndian.Uint32(header[8:12])
	if size > maxRecordSize {
		return Entry{}, fmt.Errorf("record size %d exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, err
	}

	entry := Entry{WrittenAt: time.Unix(0, ts), Size: int(size)}
	if err := cbor.Unmarshal(payload, &entry.Record); err != nil {
		return entry, fmt.Errorf("decode record: %w", err)
	}
	return entry, nil
}
