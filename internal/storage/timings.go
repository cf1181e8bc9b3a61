package storage

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/biostream/internal/timing"
)

// TimingRow is one stage of one unit in the timing table. Remote
// sub-durations are stored as stages named "sub:<name>" with no bounds.
type TimingRow struct {
	SourcePath    string `parquet:"source_path"`
	FrameIndex    int32  `parquet:"frame_index"`
	Stage         string `parquet:"stage"`
	StartUnixNano int64  `parquet:"start_unix_nano"`
	EndUnixNano   int64  `parquet:"end_unix_nano"`
	DurationUS    int64  `parquet:"duration_us"`
}

// TimingRows flattens the duration records of a document. Unset stages
// are omitted.
func TimingRows(doc *Document) []TimingRow {
	var rows []TimingRow
	for _, u := range doc.Units {
		rec := u.Durations
		for _, name := range timing.StageNames {
			iv := rec.Stage(name)
			if !iv.Started() && !iv.Ended() {
				continue
			}
			row := TimingRow{
				SourcePath: doc.SourcePath,
				FrameIndex: int32(u.Index),
				Stage:      name,
				DurationUS: iv.Duration().Microseconds(),
			}
			if iv.Started() {
				row.StartUnixNano = iv.Start.UnixNano()
			}
			if iv.Ended() {
				row.EndUnixNano = iv.End.UnixNano()
			}
			rows = append(rows, row)
		}
		for _, name := range rec.SubNames() {
			rows = append(rows, TimingRow{
				SourcePath: doc.SourcePath,
				FrameIndex: int32(u.Index),
				Stage:      "sub:" + name,
				DurationUS: rec.Sub[name].Microseconds(),
			})
		}
	}
	return rows
}

// EncodeTimings writes rows as a snappy-compressed parquet file.
func EncodeTimings(rows []TimingRow) ([]byte, error) {
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, parquet.Compression(&parquet.Snappy)); err != nil {
		return nil, fmt.Errorf("encode timings: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTimings reads a timing table.
func DecodeTimings(data []byte) ([]TimingRow, error) {
	rows, err := parquet.Read[TimingRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("decode timings: %w", err)
	}
	return rows, nil
}
