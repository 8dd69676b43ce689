package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/cast"
)

// DefaultStateFile is where policy survives restarts unless configured otherwise.
const DefaultStateFile = "waterwall_state.json"

// Record is the desired policy for one pid. Every command writes a whole record.
// Owner is the firewall credential the directives were installed for, kept so
// they can still be removed after the process exits.
type Record struct {
	Blocked bool   `json:"blocked"`
	Limit   *int   `json:"limit"`
	Owner   string `json:"owner,omitempty"`
}

// Equal compares the policy of two records by value. Owner is not compared.
func (r Record) Equal(o Record) bool {
	if r.Blocked != o.Blocked {
		return false
	}
	if r.Limit == nil || o.Limit == nil {
		return r.Limit == nil && o.Limit == nil
	}
	return *r.Limit == *o.Limit
}

// Blocked is the record written by a block command.
func Blocked() Record { return Record{Blocked: true} }

// Unblocked is the record written by an unblock command.
func Unblocked() Record { return Record{} }

// Limited is the record written by a limit command.
func Limited(percent int) Record {
	p := percent
	return Record{Limit: &p}
}

// Store persists one Record per pid in a JSON file. Keys are pids scoped to the
// current boot; entries for exited pids are kept.
type Store struct {
	path string

	mu      sync.Mutex
	records map[int32]Record
}

// Open loads path, treating a missing or empty file as an empty mapping, and
// verifies the location is writable.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultStateFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	records, err := load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, records: records}

	if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
		if err := s.save(records); err != nil {
			return nil, err
		}
	} else if f, err := os.OpenFile(path, os.O_RDWR, 0); err != nil {
		return nil, fmt.Errorf("state file %s is not writable: %w", path, err)
	} else {
		f.Close()
	}
	if err := checkDirWritable(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return s, nil
}

// checkDirWritable checks that save can create its temp file next to the state file.
func checkDirWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".waterwall-check-*")
	if err != nil {
		return fmt.Errorf("state directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func load(path string) (map[int32]Record, error) {
	records := make(map[int32]Record)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}

	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding state file %s: %w", path, err)
	}
	for key, fields := range raw {
		pid, err := cast.ToInt32E(key)
		if err != nil {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("decoding state for pid %s: %w", key, err)
		}
		records[pid] = rec
	}
	return records, nil
}

// decodeRecord reads the known fields and ignores the rest.
func decodeRecord(fields map[string]interface{}) (Record, error) {
	var rec Record
	if fields == nil {
		return rec, nil
	}
	if v, ok := fields["blocked"]; ok && v != nil {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return rec, fmt.Errorf("blocked: %w", err)
		}
		rec.Blocked = b
	}
	if v, ok := fields["limit"]; ok && v != nil {
		n, err := cast.ToIntE(v)
		if err != nil {
			return rec, fmt.Errorf("limit: %w", err)
		}
		rec.Limit = &n
	}
	if v, ok := fields["owner"]; ok && v != nil {
		owner, err := cast.ToStringE(v)
		if err != nil {
			return rec, fmt.Errorf("owner: %w", err)
		}
		rec.Owner = owner
	}
	return rec, nil
}

// save writes records through a temp file and rename so readers never see a partial file.
func (s *Store) save(records map[int32]Record) error {
	out := make(map[string]Record, len(records))
	for pid, rec := range records {
		out[strconv.FormatInt(int64(pid), 10)] = rec
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".waterwall-state-*")
	if err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// All returns a copy of every record.
func (s *Store) All() map[int32]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]Record, len(s.records))
	for pid, rec := range s.records {
		out[pid] = rec.clone()
	}
	return out
}

// Get returns pid's record, if any.
func (s *Store) Get(pid int32) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pid]
	return rec.clone(), ok
}

// Put replaces pid's record and persists the whole mapping. The in-memory view only
// changes once the file has been written.
func (s *Store) Put(pid int32, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int32]Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	next[pid] = rec.clone()
	if err := s.save(next); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (r Record) clone() Record {
	if r.Limit == nil {
		return r
	}
	n := *r.Limit
	r.Limit = &n
	return r
}
