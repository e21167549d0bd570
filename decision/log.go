package decision

import (
	"fmt"
	"strings"
	"sync"
)

// Log is the append-only record of resolved decisions. Records are immutable
// once appended.
type Log struct {
	mutex   sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

// NewLog creates an empty decision log.
func NewLog() *Log {
	return &Log{byID: map[string]*Record{}}
}

// Append adds a record to the log. Records with a duplicate decision id are
// rejected.
func (l *Log) Append(record *Record) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.byID[record.DecisionID]; exists {
		return fmt.Errorf("duplicate decision id %q", record.DecisionID)
	}
	l.records = append(l.records, record)
	l.byID[record.DecisionID] = record
	return nil
}

// Get returns the record for a decision id.
func (l *Log) Get(decisionID string) (*Record, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	record, ok := l.byID[decisionID]
	return record, ok
}

// BySession returns the records for one session in append order.
func (l *Log) BySession(sessionID string) []*Record {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var result []*Record
	for _, record := range l.records {
		if record.SessionID == sessionID {
			result = append(result, record)
		}
	}
	return result
}

// Explain reconstructs a user-facing explanation purely from the logged
// record, without recomputation.
func (l *Log) Explain(decisionID string) (string, error) {
	record, ok := l.Get(decisionID)
	if !ok {
		return "", fmt.Errorf("decision %q not found", decisionID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Decision %s (%s, stage %s):\n", record.DecisionID, record.QuestionType, record.Stage)
	fmt.Fprintf(&b, "Selected %q via %s (confidence %.2f).\n", optionName(record.Selected), record.Method, record.Confidence)
	fmt.Fprintf(&b, "Reasoning: %s\n", record.Reasoning)
	if len(record.Alternatives) > 0 {
		b.WriteString("Alternatives considered:\n")
		for _, alt := range record.Alternatives {
			fmt.Fprintf(&b, "  - %s: %s\n", optionName(alt.Option), alt.Reason)
		}
	}
	return b.String(), nil
}

func optionName(opt Option) string {
	if opt.Label != "" {
		return opt.Label
	}
	return opt.ID
}
