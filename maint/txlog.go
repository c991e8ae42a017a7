package maint

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Operation tags recorded in the txlog.
const (
	OpStartup    = "STARTUP"
	OpShutdown   = "SHUTDOWN"
	OpDeleteBlock = "DELETE_BLOCK"
	OpCompaction = "COMPACTION"
	OpMigration  = "MIGRATION"
)

// TxLog is the advisory, line-oriented *.txlog file beside the main
// database file: timestamp, operation tag, details, optional JSON
// metadata, one entry per line.
type TxLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenTxLog opens (creating if necessary) the log file at path for
// appending.
func OpenTxLog(path string) (*TxLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open txlog")
	}
	return &TxLog{f: f, path: path}, nil
}

// Append writes one log line: "<RFC3339 timestamp> <op> <details> [json]".
// A nil metadata value omits the trailing JSON field entirely.
func (l *TxLog) Append(at time.Time, op, details string, metadata map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("%s %s %s", at.UTC().Format(time.RFC3339), op, details)
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return errors.Wrap(err, "marshal txlog metadata")
		}
		line += " " + string(b)
	}
	line += "\n"

	if _, err := l.f.WriteString(line); err != nil {
		return errors.Wrap(err, "append txlog")
	}
	return nil
}

// Close flushes and releases the file handle.
func (l *TxLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Entry is one parsed txlog line, returned by Read for audit tooling.
type Entry struct {
	Timestamp time.Time
	Op        string
	Details   string
	Metadata  map[string]any
}

// Read parses every line of the txlog at path. The log is advisory only;
// a malformed line is skipped rather than failing the whole
// read.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open txlog for read")
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		e, ok := parseLine(scanner.Text())
		if ok {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan txlog")
	}
	return out, nil
}

func parseLine(line string) (Entry, bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return Entry{}, false
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Entry{}, false
	}
	rest := parts[2]
	details := rest
	var metadata map[string]any
	if idx := strings.Index(rest, "{"); idx >= 0 {
		details = strings.TrimSpace(rest[:idx])
		_ = json.Unmarshal([]byte(rest[idx:]), &metadata)
	}
	return Entry{Timestamp: ts, Op: parts[1], Details: details, Metadata: metadata}, true
}
