/*Package export writes tabular results and waveform captures to files.

Tables go to JSON, CSV, Excel and MessagePack; the format is chosen by file
extension with Write, or explicitly with Encode.  Waveforms go to CSV, a PNG
plot or a FITS image.
*/
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/xuri/excelize/v2"
)

// DefaultSheet names the worksheet of tables without a Sheet
const DefaultSheet = "Results"

// ErrUnknownFormat is returned for unsupported extensions and format names
var ErrUnknownFormat = errors.New("export: unknown format")

// Table is a rectangular set of results.  Cells are float64, int, string,
// time.Time or nil for a blank
type Table struct {
	Sheet   string          `json:"sheet,omitempty" msgpack:"sheet,omitempty"`
	Columns []string        `json:"columns" msgpack:"columns"`
	Rows    [][]interface{} `json:"rows" msgpack:"rows"`
}

// Append adds a row
func (t *Table) Append(cells ...interface{}) {
	t.Rows = append(t.Rows, cells)
}

// Column returns the index of the named column, or -1
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *Table) sheet() string {
	if t.Sheet == "" {
		return DefaultSheet
	}
	return t.Sheet
}

// Format is a table file format
type Format string

const (
	// JSON is {"columns": [...], "rows": [[...]]}
	JSON Format = "json"

	// CSV has one header line
	CSV Format = "csv"

	// XLSX is an Excel workbook with one sheet
	XLSX Format = "xlsx"

	// Msgpack is the JSON layout in MessagePack
	Msgpack Format = "msgpack"
)

// ParseFormat accepts a format name or extension, with or without the dot
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "json":
		return JSON, nil
	case "csv":
		return CSV, nil
	case "xlsx", "excel":
		return XLSX, nil
	case "msgpack", "mpk", "mp":
		return Msgpack, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// FormatFromPath picks a format by file extension
func FormatFromPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", errors.Wrapf(ErrUnknownFormat, "%s has no extension", path)
	}
	return ParseFormat(ext)
}

// Ext is the file extension, with the dot
func (f Format) Ext() string {
	if f == Msgpack {
		return ".msgpack"
	}
	return "." + string(f)
}

// ContentType is the MIME type of the format
func (f Format) ContentType() string {
	switch f {
	case JSON:
		return "application/json"
	case CSV:
		return "text/csv"
	case XLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case Msgpack:
		return "application/msgpack"
	}
	return "application/octet-stream"
}

// Encode writes t to w in format f
func Encode(w io.Writer, f Format, t Table) error {
	switch f {
	case JSON:
		return WriteJSON(w, t)
	case CSV:
		return WriteCSV(w, t)
	case XLSX:
		return WriteXLSX(w, t)
	case Msgpack:
		return WriteMsgpack(w, t)
	}
	return errors.Wrapf(ErrUnknownFormat, "%q", f)
}

// Write creates path and writes t in the format of its extension
func Write(path string, t Table) error {
	f, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	fid, err := os.Create(path)
	if err != nil {
		return err
	}
	err = Encode(fid, f, t)
	if cerr := fid.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "writing %s", path)
}

// WriteJSON writes t as indented JSON
func WriteJSON(w io.Writer, t Table) error {
	if t.Rows == nil {
		t.Rows = [][]interface{}{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

// WriteMsgpack writes t as MessagePack
func WriteMsgpack(w io.Writer, t Table) error {
	return msgpack.NewEncoder(w).Encode(t)
}

// ReadMsgpack is the inverse of WriteMsgpack
func ReadMsgpack(r io.Reader) (Table, error) {
	var t Table
	err := msgpack.NewDecoder(r).Decode(&t)
	return t, err
}

// FormatCell renders a cell as text, the way CSV stores it
func FormatCell(c interface{}) string {
	switch v := c.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'G', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'G', -1, 32)
	case int:
		return strconv.Itoa(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(c)
}

// WriteCSV writes a header line then one line per row
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	line := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i := range line {
			line[i] = ""
			if i < len(row) {
				line[i] = FormatCell(row[i])
			}
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// workbook lays t out on the first sheet of a new workbook
func workbook(t Table) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := t.sheet()
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		f.Close()
		return nil, err
	}
	header := make([]interface{}, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		f.Close()
		return nil, err
	}
	for r, row := range t.Rows {
		cells := make([]interface{}, len(row))
		for i, c := range row {
			if tm, ok := c.(time.Time); ok {
				cells[i] = tm.Format(time.RFC3339Nano)
				continue
			}
			cells[i] = c
		}
		addr, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(sheet, addr, &cells); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// WriteXLSX writes t as a workbook with one sheet, header in the first row
func WriteXLSX(w io.Writer, t Table) error {
	f, err := workbook(t)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// parseCell recovers a number from spreadsheet text
func parseCell(s string) interface{} {
	if s == "" {
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}

// ReadXLSX reads the first sheet of a workbook, taking the first row as the
// header.  Numeric cells come back as float64, blanks as nil.  Columns
// without a heading are named ""
func ReadXLSX(path string) (Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	return readWorkbook(f)
}

// DecodeXLSX is ReadXLSX from a reader
func DecodeXLSX(r io.Reader) (Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	return readWorkbook(f)
}

func readWorkbook(f *excelize.File) (Table, error) {
	sheet := f.GetSheetName(0)
	t := Table{Sheet: sheet}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return t, err
	}
	if len(rows) == 0 {
		return t, nil
	}
	t.Columns = rows[0]
	for _, row := range rows[1:] {
		for len(t.Columns) < len(row) {
			t.Columns = append(t.Columns, "")
		}
	}
	for _, row := range rows[1:] {
		cells := make([]interface{}, len(t.Columns))
		for i := range cells {
			if i < len(row) {
				cells[i] = parseCell(row[i])
			}
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, nil
}
