package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mtlprog/taskflow/internal/domain"
)

// Reader tails the log in sequence order across rotations, returning only
// entries with a seq above the one it was created with.
// A Reader is not safe for concurrent use.
type Reader struct {
	log     *Log
	lastSeq int64
	logger  *slog.Logger

	nextIdx int // lowest rotated file index not yet read

	file      *os.File
	br        *bufio.Reader
	partial   []byte
	active    bool
	gen       uint64
	activeIdx int // index the held active file gets once rotated
}

// NewReader creates a reader that yields entries with seq > afterSeq.
func NewReader(l *Log, afterSeq int64) *Reader {
	return &Reader{
		log:     l,
		lastSeq: afterSeq,
		logger:  l.logger,
		nextIdx: 1,
	}
}

// LastSeq returns the seq of the last entry returned.
func (r *Reader) LastSeq() int64 { return r.lastSeq }

// Next returns up to limit new entries, or none when the reader has caught up.
func (r *Reader) Next(limit int) ([]domain.EventLogEntry, error) {
	var out []domain.EventLogEntry
	for len(out) < limit {
		if r.file == nil {
			if err := r.openNext(); err != nil {
				return out, err
			}
		}

		line, err := r.br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			full := append(r.partial, trimNewline(line)...)
			r.partial = nil
			if entry, ok := r.decode(full); ok {
				out = append(out, entry)
			}
			continue
		}
		if len(line) > 0 {
			r.partial = append(r.partial, line...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return out, fmt.Errorf("read event log: %w", err)
		}

		// end of the current file
		if !r.active {
			r.closeFile()
			continue
		}
		if r.log.currentGeneration() == r.gen {
			return out, nil
		}
		// rotated under us: the file we hold is sealed, so finish it first
		more, err := r.drainSealed(limit - len(out))
		out = append(out, more...)
		if err != nil {
			return out, err
		}
		r.nextIdx = r.activeIdx + 1
		if len(out) >= limit {
			return out, nil
		}
		r.closeFile()
	}
	return out, nil
}

// drainSealed reads what is left of a file that was rotated while open.
func (r *Reader) drainSealed(limit int) ([]domain.EventLogEntry, error) {
	var out []domain.EventLogEntry
	for len(out) < limit {
		line, err := r.br.ReadBytes('\n')
		if len(line) > 0 {
			full := append(r.partial, trimNewline(line)...)
			r.partial = nil
			if entry, ok := r.decode(full); ok {
				out = append(out, entry)
			}
		}
		if errors.Is(err, io.EOF) {
			r.active = false
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read event log: %w", err)
		}
	}
	// limit reached with data left; keep reading this file as sealed next time
	r.active = false
	return out, nil
}

func (r *Reader) openNext() error {
	rotated, err := rotatedFiles(r.log.cfg.Dir, r.log.cfg.FileName)
	if err != nil {
		return err
	}
	for _, rf := range rotated {
		if rf.index < r.nextIdx {
			continue
		}
		f, err := os.Open(rf.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("open %s: %w", rf.path, err)
		}
		r.nextIdx = rf.index + 1
		r.setFile(f, false)
		return nil
	}

	f, gen, rotIdx, err := r.log.openActiveForRead()
	if err != nil {
		return err
	}
	if rotIdx >= r.nextIdx {
		// rotated between listing and opening; read the new rotated files first
		f.Close()
		return r.openNext()
	}
	r.gen = gen
	r.activeIdx = rotIdx + 1
	r.setFile(f, true)
	return nil
}

func (r *Reader) setFile(f *os.File, active bool) {
	r.file = f
	r.br = bufio.NewReaderSize(f, 64<<10)
	r.partial = nil
	r.active = active
}

func (r *Reader) closeFile() {
	if r.file != nil {
		r.file.Close()
	}
	r.file = nil
	r.br = nil
	r.partial = nil
}

func (r *Reader) decode(line []byte) (domain.EventLogEntry, bool) {
	if len(line) == 0 {
		return domain.EventLogEntry{}, false
	}
	var entry domain.EventLogEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		r.logger.Warn("skipping unreadable event log line", "error", err, "after_seq", r.lastSeq)
		return entry, false
	}
	if entry.Seq <= r.lastSeq {
		return entry, false
	}
	r.lastSeq = entry.Seq
	return entry, true
}

// Close releases the open file.
func (r *Reader) Close() error {
	r.closeFile()
	return nil
}

// ReadAll calls fn for every parseable entry in dir, oldest file first.
// It does not require the log to be open and is used for offline replay.
func ReadAll(dir, fileName string, fn func(domain.EventLogEntry) error) error {
	if fileName == "" {
		fileName = DefaultFileName
	}
	rotated, err := rotatedFiles(dir, fileName)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(rotated)+1)
	for _, rf := range rotated {
		paths = append(paths, rf.path)
	}
	paths = append(paths, filepath.Join(dir, fileName))

	for _, p := range paths {
		err := scanLines(p, func(line []byte) error {
			if len(line) == 0 {
				return nil
			}
			var entry domain.EventLogEntry
			if json.Unmarshal(line, &entry) != nil {
				return nil
			}
			return fn(entry)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
