package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type rotatedFile struct {
	path  string
	index int
}

// rotatedFiles lists <name>.N files in dir ordered oldest first.
func rotatedFiles(dir, name string) ([]rotatedFile, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}

	prefix := name + "."
	var out []rotatedFile
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasPrefix(de.Name(), prefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(de.Name(), prefix))
		if err != nil || idx < 1 {
			continue
		}
		out = append(out, rotatedFile{path: filepath.Join(dir, de.Name()), index: idx})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

// RotatedFiles returns the rotated file paths, oldest first.
func (l *Log) RotatedFiles() ([]string, error) {
	rotated, err := rotatedFiles(l.cfg.Dir, l.cfg.FileName)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(rotated))
	for i, r := range rotated {
		paths[i] = r.path
	}
	return paths, nil
}

// Files returns every log file, rotated files first and the active file last.
func (l *Log) Files() ([]string, error) {
	paths, err := l.RotatedFiles()
	if err != nil {
		return nil, err
	}
	return append(paths, l.path), nil
}

func readCheckpoint(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint %q: %w", s, err)
	}
	return seq, nil
}

// writeCheckpoint replaces path atomically with seq as plain text.
func writeCheckpoint(path string, seq int64) error {
	return writeFileAtomic(path, []byte(strconv.FormatInt(seq, 10)+"\n"))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}

// ReadSeqFile reads a plain-text sequence number, zero when the file is absent.
func ReadSeqFile(path string) (int64, error) {
	return readCheckpoint(path)
}

// WriteSeqFile atomically stores seq as plain text.
func WriteSeqFile(path string, seq int64) error {
	return writeCheckpoint(path, seq)
}

// scanLines calls fn with every complete line of path. A trailing line
// without a newline is passed too; callers decide whether it parses.
func scanLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if ferr := fn(trimNewline(line)); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
	}
}

func trimNewline(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

type seqOnly struct {
	Seq int64 `json:"seq"`
}

// LastSeqInFile returns the largest seq found in path, skipping lines that
// do not parse (a torn tail after a crash).
func LastSeqInFile(path string) (int64, error) {
	var last int64
	err := scanLines(path, func(line []byte) error {
		var s seqOnly
		if json.Unmarshal(line, &s) == nil && s.Seq > last {
			last = s.Seq
		}
		return nil
	})
	return last, err
}
