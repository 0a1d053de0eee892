package buffer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tbmworks/shieldedge/internal/types"
)

// =============================================================================
// Poison Sidecar
// =============================================================================

// poisonBatch is the persisted form of a batch that failed to flush
// twice. One JSON object per line, append-only, so an operator can
// replay or inspect with standard tools.
type poisonBatch struct {
	Table    string         `json:"table"`
	FailedAt int64          `json:"failed_at"`
	Reason   string         `json:"reason"`
	Records  []poisonRecord `json:"records"`
}

type poisonRecord struct {
	Source   string   `json:"source"`
	Tag      string   `json:"tag"`
	Ts       int64    `json:"ts"`
	Value    float64  `json:"value"`
	RawValue *float64 `json:"raw_value,omitempty"`
	Flag     string   `json:"quality_flag"`
	Ring     int64    `json:"ring_number,omitempty"`
}

// poisonWriter appends failed batches to a timestamp-named file in the
// poison directory. One file per writer lifetime keeps the directory
// scannable.
type poisonWriter struct {
	mu   sync.Mutex
	dir  string
	file *os.File
}

func newPoisonWriter(dir string) *poisonWriter {
	return &poisonWriter{dir: dir}
}

// append writes one failed batch. Errors are returned for counting but
// must not stop the writer: losing the poison copy is strictly worse
// than logging the loss.
func (p *poisonWriter) append(table types.Table, batch []types.Sample, reason error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		if err := os.MkdirAll(p.dir, 0o755); err != nil {
			return fmt.Errorf("create poison dir: %w", err)
		}
		name := time.Now().UTC().Format("20060102T150405Z") + ".jsonl"
		f, err := os.OpenFile(filepath.Join(p.dir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open poison file: %w", err)
		}
		p.file = f
	}

	pb := poisonBatch{
		Table:    table.String(),
		FailedAt: time.Now().UnixMilli(),
		Records:  make([]poisonRecord, len(batch)),
	}
	if reason != nil {
		pb.Reason = reason.Error()
	}
	for i, s := range batch {
		pb.Records[i] = poisonRecord{
			Source:   s.Source,
			Tag:      s.Tag,
			Ts:       s.TimestampMs,
			Value:    s.Value,
			RawValue: s.RawValue,
			Flag:     s.Flag.String(),
			Ring:     s.Ring,
		}
	}

	line, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("marshal poison batch: %w", err)
	}
	if _, err := p.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write poison batch: %w", err)
	}
	return p.file.Sync()
}

// close closes the current poison file, if any.
func (p *poisonWriter) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
