package result

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ResultPath is the JSONL log for an experiment under resultDir.
func ResultPath(resultDir, experimentID string) string {
	return filepath.Join(resultDir, experimentID+".jsonl")
}

// SettingsPath is the settings snapshot for an experiment under logDir.
func SettingsPath(logDir, experimentID string) string {
	return filepath.Join(logDir, experimentID, experimentID+".json")
}

// CapabilityLogDir holds a capability's provider.log and chat histories.
func CapabilityLogDir(logDir, experimentID, capability string) string {
	return filepath.Join(logDir, experimentID, capability+"_labelling")
}

// Sink appends LabelResults to a JSONL file. Appends are serialized and
// each one opens, writes and closes the file. Before its first append a
// Sink drops a torn final line left by an interrupted writer.
type Sink struct {
	mu       sync.Mutex
	path     string
	repaired bool
}

func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating result dir: %w", err)
	}
	return &Sink{path: path}, nil
}

func (s *Sink) Path() string { return s.path }

func (s *Sink) Append(rec LabelResult) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.repaired {
		if err := truncateTornLine(s.path); err != nil {
			return err
		}
		s.repaired = true
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening result log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("appending result: %w", err)
	}
	return f.Close()
}

// truncateTornLine cuts the log back to its last newline.
func truncateTornLine(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening result log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("opening result log: %w", err)
	}

	end := info.Size()
	buf := make([]byte, 4096)
	for end > 0 {
		n := int64(len(buf))
		if end < n {
			n = end
		}
		if _, err := f.ReadAt(buf[:n], end-n); err != nil {
			return fmt.Errorf("reading result log: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			end = end - n + int64(i) + 1
			break
		}
		end -= n
	}
	if end == info.Size() {
		return nil
	}
	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("truncating torn result line: %w", err)
	}
	return nil
}

// eachLine calls fn with every newline-terminated line of the log. A final
// line without a terminator is a write in progress and is ignored. A missing
// file reads as empty.
func eachLine(path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening result log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	n := 0
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading result log: %w", err)
		}
		n++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
}

// ReadAll decodes every complete record in the log.
func ReadAll(path string) ([]LabelResult, error) {
	var out []LabelResult
	err := eachLine(path, func(n int, line []byte) error {
		var rec LabelResult
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%s line %d: %w", path, n, err)
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Counts returns the number of records per instance_id.
func Counts(path string) (map[string]int, error) {
	counts := make(map[string]int)
	err := eachLine(path, func(n int, line []byte) error {
		var rec struct {
			InstanceID string `json:"instance_id"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%s line %d: %w", path, n, err)
		}
		counts[rec.InstanceID]++
		return nil
	})
	return counts, err
}

// ProcessedInstances returns the distinct instance_ids present in the log.
func ProcessedInstances(path string) (map[string]struct{}, error) {
	counts, err := Counts(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(counts))
	for id := range counts {
		seen[id] = struct{}{}
	}
	return seen, nil
}

// Rewrite replaces the log with the records for which keep returns true and
// reports how many were dropped. The new content is written to a temporary
// file and renamed over the original.
func Rewrite(path string, keep func(LabelResult) bool) (int, error) {
	recs, err := ReadAll(path)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	dropped := 0
	for _, rec := range recs {
		if !keep(rec) {
			dropped++
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("marshaling result: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("writing result log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replacing result log: %w", err)
	}
	return dropped, nil
}

// WriteSettings writes the experiment snapshot, replacing any earlier one.
func WriteSettings(logDir string, s *Settings) error {
	path := SettingsPath(logDir, s.ExperimentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating experiment log dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return &s, nil
}
