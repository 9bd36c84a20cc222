package batch

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scopebench/export"
)

const (
	// FinalDir is the output directory of Merge, inside the merged directory
	FinalDir = "Final_Process"

	// MergedFile is the merged workbook inside FinalDir
	MergedFile = "final_merged_measurements.xlsx"
)

// MergeReport lists what Merge did
type MergeReport struct {
	// IDs are the sub-directories merged, in order
	IDs []string `json:"ids"`

	// Workbooks are the measurement workbooks read
	Workbooks []string `json:"workbooks"`

	// Copied are the other files copied into FinalDir
	Copied []string `json:"copied"`

	// Output is the merged workbook, empty if there was nothing to merge
	Output string `json:"output,omitempty"`

	Rows int `json:"rows"`
}

// IsMeasurementWorkbook matches the workbooks Merge combines
func IsMeasurementWorkbook(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "measurements") && strings.HasSuffix(name, ".xlsx")
}

// SubDirs lists the sub-directories of dir Merge would process, sorted
func SubDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != FinalDir {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// normalize gives a workbook read from a capture directory a Channel column
// and prefixes the ID column
func normalize(t export.Table, id string) export.Table {
	if len(t.Columns) > 0 {
		first := t.Columns[0]
		switch {
		case first == "" || strings.Contains(first, "Unnamed"):
			t.Columns[0] = "Channel"
		case t.Column("Channel") < 0:
			// the first heading is a channel label itself
			t.Columns = append([]string{"Channel"}, t.Columns...)
			for i, row := range t.Rows {
				t.Rows[i] = append([]interface{}{first}, row...)
			}
		}
	}
	t.Columns = append([]string{"ID"}, t.Columns...)
	for i, row := range t.Rows {
		t.Rows[i] = append([]interface{}{id}, row...)
	}
	return t
}

// concat appends src to dst, matching columns by name.  Columns new to dst
// are added at the end and left blank in earlier rows
func concat(dst *export.Table, src export.Table) {
	idx := make([]int, len(src.Columns))
	for i, c := range src.Columns {
		j := dst.Column(c)
		if j < 0 {
			dst.Columns = append(dst.Columns, c)
			j = len(dst.Columns) - 1
		}
		idx[i] = j
	}
	for i, row := range dst.Rows {
		for len(row) < len(dst.Columns) {
			row = append(row, nil)
		}
		dst.Rows[i] = row
	}
	for _, row := range src.Rows {
		out := make([]interface{}, len(dst.Columns))
		for i, c := range row {
			if i < len(idx) {
				out[idx[i]] = c
			}
		}
		dst.Rows = append(dst.Rows, out)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// Merge combines the measurement workbooks of every sub-directory of dir
// (except FinalDir) into FinalDir/MergedFile, with an ID column naming the
// sub-directory.  The remaining files of each sub-directory are copied into
// FinalDir; a later sub-directory overwrites a file of the same name
func Merge(dir string) (MergeReport, error) {
	var rep MergeReport
	subs, err := SubDirs(dir)
	if err != nil {
		return rep, err
	}
	final := filepath.Join(dir, FinalDir)
	if err := os.MkdirAll(final, 0755); err != nil {
		return rep, err
	}
	merged := export.Table{Sheet: "Sheet1"}
	for _, sub := range subs {
		root := filepath.Join(dir, sub)
		rep.IDs = append(rep.IDs, sub)
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsMeasurementWorkbook(d.Name()) {
				return nil
			}
			t, err := export.ReadXLSX(path)
			if err != nil {
				return errors.Wrapf(err, "reading %s", path)
			}
			concat(&merged, normalize(t, sub))
			rep.Workbooks = append(rep.Workbooks, path)
			return nil
		})
		if err != nil {
			return rep, err
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return rep, err
		}
		for _, e := range entries {
			if e.IsDir() || IsMeasurementWorkbook(e.Name()) {
				continue
			}
			if err := copyFile(filepath.Join(root, e.Name()), filepath.Join(final, e.Name())); err != nil {
				return rep, errors.Wrapf(err, "copying %s", e.Name())
			}
			rep.Copied = append(rep.Copied, filepath.Join(sub, e.Name()))
		}
		log.Printf("merged %s", sub)
	}
	rep.Rows = len(merged.Rows)
	if rep.Rows == 0 {
		log.Printf("no measurement workbooks under %s", dir)
		return rep, nil
	}
	rep.Output = filepath.Join(final, MergedFile)
	return rep, export.Write(rep.Output, merged)
}
