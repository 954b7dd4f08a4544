package report

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
)

// Snapshot records one scope run for the local JSONL ledger. The ledger is
// operator tooling: it answers "when did this scope last publish" without
// trawling wiki page histories.
type Snapshot struct {
	Timestamp  int64  `json:"timestamp"` // Unix epoch
	Scope      string `json:"scope"`
	Candidates int    `json:"candidates"`
	Published  bool   `json:"published"`
	Error      string `json:"error,omitempty"`
}

// Ledger appends run snapshots to a local file.
type Ledger struct {
	Path string
}

// NewLedger stores history under the given directory.
func NewLedger(dir string) *Ledger {
	return &Ledger{Path: filepath.Join(dir, "history.jsonl")}
}

// Append adds a snapshot to the ledger.
func (l *Ledger) Append(s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// LoadWindow returns the last n snapshots.
func (l *Ledger) LoadWindow(n int) ([]Snapshot, error) {
	f, err := os.Open(l.Path)
	if os.IsNotExist(err) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var history []Snapshot
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var s Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			continue // skip corrupt lines
		}
		history = append(history, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(history) > n {
		return history[len(history)-n:], nil
	}
	return history, nil
}
