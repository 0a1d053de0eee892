package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/tbmworks/shieldedge/internal/store"
	"github.com/tbmworks/shieldedge/internal/types"
)

// archiveRow is the persisted Parquet form of one sample row.
type archiveRow struct {
	Source      string   `parquet:"source,zstd"`
	Tag         string   `parquet:"tag,zstd"`
	TsMs        int64    `parquet:"ts"`
	Value       float64  `parquet:"value"`
	RawValue    *float64 `parquet:"raw_value,optional"`
	QualityFlag string   `parquet:"quality_flag,zstd"`
	RingNumber  int64    `parquet:"ring_number"`
	CreatedAtMs int64    `parquet:"created_at"`
}

// archiveFile writes one pass's expired rows for one table.
type archiveFile struct {
	path   string
	file   *os.File
	writer *parquet.GenericWriter[archiveRow]
}

// newArchiveFile opens ArchiveDir/<table>/<timestamp>.parquet.
func newArchiveFile(dir string, table types.Table, at time.Time) (*archiveFile, error) {
	tableDir := filepath.Join(dir, table.String())
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(tableDir, at.Format("2006-01-02_15-04")+".parquet")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}

	return &archiveFile{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[archiveRow](f, parquet.Compression(&parquet.Zstd)),
	}, nil
}

func (a *archiveFile) write(rows []store.SampleRow) error {
	out := make([]archiveRow, len(rows))
	for i, r := range rows {
		out[i] = archiveRow{
			Source:      r.Source,
			Tag:         r.Tag,
			TsMs:        r.TsMs,
			Value:       r.Value,
			RawValue:    r.RawValue,
			QualityFlag: r.QualityFlag,
			RingNumber:  r.RingNumber,
			CreatedAtMs: r.CreatedAtMs,
		}
	}
	_, err := a.writer.Write(out)
	return err
}

func (a *archiveFile) close() error {
	if err := a.writer.Close(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

// abort closes the archive early. Pages flushed before the failure stay
// readable; rows they contain are already deleted from the table.
func (a *archiveFile) abort() {
	a.writer.Close()
	a.file.Close()
}
