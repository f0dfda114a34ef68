package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/retailops/pos-ingest/internal/models"
	"github.com/retailops/pos-ingest/pkg/checksum"
)

// timeNow is stubbed in tests so report_date metadata stays deterministic.
var timeNow = time.Now

// commonDateLayouts covers the date renderings the legacy reports actually
// emit. Tried in order when a format does not pin a layout.
var commonDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"2006-01-02 15:04:05",
}

type workRow struct {
	vals models.Row
	hash string
}

// Normalize transforms one report's raw bytes into a fully typed row set for
// the given format, or a definitive parse failure. It never touches the
// filesystem and is deterministic for identical input bytes.
func Normalize(f *Format, data []byte, filename string) (*models.RowSet, error) {
	lines := splitLines(data)

	bannerValue := ""
	if f.Banner != nil {
		bannerValue = f.Banner.Sentinel
		for _, line := range lines {
			if m := f.Banner.Pattern.FindStringSubmatch(line); m != nil {
				bannerValue = m[1]
				break
			}
		}
	}

	headerIdx, err := locateHeader(f, lines, filename)
	if err != nil {
		return nil, err
	}

	records, err := readDelimited(f, lines[headerIdx:], filename)
	if err != nil {
		return nil, err
	}

	columns, srcIdx, err := buildColumns(records[0], filename)
	if err != nil {
		return nil, err
	}

	rows := buildRows(columns, srcIdx, records[1:])
	rows = dropFooterAndEmpty(f, columns, rows)

	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	if f.Marker != nil && present[f.Marker.SourceColumn] {
		backfillMarker(f.Marker, rows)
		present[f.Marker.Column] = true
	}

	for col, cutset := range f.StripRunes {
		stripRunes(rows, col, cutset)
	}

	for col, layout := range f.DateColumns {
		coerceDates(rows, col, layout)
	}
	for _, col := range f.NumericColumns {
		coerceNumbers(rows, col, false)
	}
	for _, col := range f.ZeroFillColumns {
		coerceNumbers(rows, col, true)
	}

	for _, col := range f.FlipColumns {
		flipSign(rows, col)
	}

	if f.RequiredKey != "" {
		rows = dropNullKeyRows(f, rows)
	}

	for _, d := range f.Derived {
		for _, row := range rows {
			row.vals[d.Name] = sumColumns(row.vals, d.Addends)
		}
		present[d.Name] = true
	}

	if f.Banner != nil {
		for _, row := range rows {
			row.vals[f.Banner.Column] = bannerValue
		}
		present[f.Banner.Column] = true
	}
	if f.AddFilename {
		for _, row := range rows {
			row.vals["filename"] = filename
		}
		present["filename"] = true
	}
	if f.AddReportDate {
		reportDate := timeNow().Truncate(24 * time.Hour)
		for _, row := range rows {
			row.vals["report_date"] = reportDate
		}
		present["report_date"] = true
	}

	for from, to := range f.Renames {
		if !present[from] {
			continue
		}
		for _, row := range rows {
			if v, ok := row.vals[from]; ok {
				row.vals[to] = v
				delete(row.vals, from)
			}
		}
		delete(present, from)
		present[to] = true
	}

	return project(f, present, rows, filename)
}

func splitLines(data []byte) []string {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

func locateHeader(f *Format, lines []string, filename string) (int, error) {
	start := f.SkipLines
	if start > len(lines) {
		start = len(lines)
	}

	if len(f.HeaderTokens) == 0 {
		for i := start; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) != "" {
				return i, nil
			}
		}
		return 0, models.NewFileError(models.ErrStructural, filename, "no header row found", nil)
	}

	for i := start; i < len(lines); i++ {
		matched := true
		for _, token := range f.HeaderTokens {
			if !strings.Contains(lines[i], token) {
				matched = false
				break
			}
		}
		if matched {
			return i, nil
		}
	}
	return 0, models.NewFileError(models.ErrStructural, filename,
		fmt.Sprintf("no header row containing %v found", f.HeaderTokens), nil)
}

func readDelimited(f *Format, lines []string, filename string) ([][]string, error) {
	reader := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	reader.Comma = f.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, models.NewFileError(models.ErrStructural, filename, "failed to read delimited content", err)
	}
	if len(records) == 0 {
		return nil, models.NewFileError(models.ErrStructural, filename, "no header row found", nil)
	}
	return records, nil
}

// buildColumns canonicalizes header cells, silently drops unnamed noise
// columns, and rejects the file when two output columns would collide.
func buildColumns(header []string, filename string) ([]string, []int, error) {
	var columns []string
	var srcIdx []int
	seen := make(map[string]bool)

	for i, cell := range header {
		name := CanonicalColumn(cell)
		if name == "" || strings.HasPrefix(name, "unnamed") {
			continue
		}
		if seen[name] {
			return nil, nil, models.NewFileError(models.ErrStructural, filename,
				fmt.Sprintf("duplicate column %q after canonicalization", name), nil)
		}
		seen[name] = true
		columns = append(columns, name)
		srcIdx = append(srcIdx, i)
	}

	if len(columns) == 0 {
		return nil, nil, models.NewFileError(models.ErrStructural, filename, "header row has no named columns", nil)
	}
	return columns, srcIdx, nil
}

func buildRows(columns []string, srcIdx []int, records [][]string) []*workRow {
	rows := make([]*workRow, 0, len(records))
	for _, record := range records {
		vals := make(models.Row, len(columns))
		for c, name := range columns {
			var cell string
			if srcIdx[c] < len(record) {
				cell = cleanCell(record[srcIdx[c]])
			}
			if cell == "" {
				vals[name] = nil
			} else {
				vals[name] = cell
			}
		}
		rows = append(rows, &workRow{vals: vals, hash: checksum.CalculateRowHash(record)})
	}
	return rows
}

func cleanCell(raw string) string {
	s := nonPrintable.ReplaceAllString(raw, " ")
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func dropFooterAndEmpty(f *Format, columns []string, rows []*workRow) []*workRow {
	kept := rows[:0]
	for _, row := range rows {
		empty := true
		footer := false
		for _, name := range columns {
			v, _ := row.vals[name].(string)
			if v == "" {
				continue
			}
			empty = false
			for _, marker := range f.FooterMarkers {
				if strings.Contains(strings.ToLower(v), strings.ToLower(marker)) {
					footer = true
				}
			}
		}
		if !empty && !footer {
			kept = append(kept, row)
		}
	}
	return kept
}

// backfillMarker reconstructs the per-row attribute from section-boundary
// rows. The boundary row prints below its section, so each row inherits the
// nearest marker at or below it; rows after the last boundary stay null.
func backfillMarker(m *MarkerRule, rows []*workRow) {
	var carried any
	for i := len(rows) - 1; i >= 0; i-- {
		raw, _ := rows[i].vals[m.SourceColumn].(string)
		if match := m.Pattern.FindStringSubmatch(raw); match != nil {
			carried = coerceMarker(m, match[1])
		}
		rows[i].vals[m.Column] = carried
	}
}

func coerceMarker(m *MarkerRule, value string) any {
	if m.DateLayout == "" {
		return value
	}
	t, err := time.Parse(m.DateLayout, value)
	if err != nil {
		return nil
	}
	return t
}

func stripRunes(rows []*workRow, col, cutset string) {
	for _, row := range rows {
		if v, ok := row.vals[col].(string); ok {
			stripped := strings.TrimSpace(strings.Map(func(r rune) rune {
				if strings.ContainsRune(cutset, r) {
					return -1
				}
				return r
			}, v))
			if stripped == "" {
				row.vals[col] = nil
			} else {
				row.vals[col] = stripped
			}
		}
	}
}

func coerceDates(rows []*workRow, col, layout string) {
	for _, row := range rows {
		v, ok := row.vals[col].(string)
		if !ok {
			continue
		}
		row.vals[col] = parseDate(v, layout)
	}
}

func parseDate(value, layout string) any {
	if layout != "" {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
		return nil
	}
	for _, l := range commonDateLayouts {
		if t, err := time.Parse(l, value); err == nil {
			return t
		}
	}
	return nil
}

func coerceNumbers(rows []*workRow, col string, zeroFill bool) {
	for _, row := range rows {
		v, exists := row.vals[col]
		if !exists {
			continue
		}
		s, isString := v.(string)
		if !isString {
			if v == nil && zeroFill {
				row.vals[col] = 0.0
			}
			continue
		}
		n, err := parseNumber(s)
		if err != nil {
			if zeroFill {
				row.vals[col] = 0.0
			} else {
				row.vals[col] = nil
			}
			continue
		}
		row.vals[col] = n
	}
}

func parseNumber(value string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(value), ",", "")
	return strconv.ParseFloat(s, 64)
}

// flipSign applies the source report's inverted sign convention. Zero stays
// zero; the target schema never sees a negative zero.
func flipSign(rows []*workRow, col string) {
	for _, row := range rows {
		v, ok := row.vals[col].(float64)
		if !ok {
			continue
		}
		if v == 0 {
			row.vals[col] = 0.0
			continue
		}
		row.vals[col] = round2(-v)
	}
}

func dropNullKeyRows(f *Format, rows []*workRow) []*workRow {
	kept := rows[:0]
	for _, row := range rows {
		v := row.vals[f.RequiredKey]
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if strings.TrimSpace(s) == "" {
				continue
			}
			if f.RequireNumericKey {
				if _, err := parseNumber(s); err != nil {
					continue
				}
			}
		}
		kept = append(kept, row)
	}
	return kept
}

func sumColumns(vals models.Row, addends []string) float64 {
	var total float64
	for _, col := range addends {
		if v, ok := vals[col].(float64); ok {
			total += v
		}
	}
	return round2(total)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// project restricts and reorders the output to the format's expected-column
// list. A required column absent from the parsed structure fails the whole
// file; optional ones are emitted as null. The per-row content hash rides
// along as row_hash.
func project(f *Format, present map[string]bool, rows []*workRow, filename string) (*models.RowSet, error) {
	for _, col := range f.Columns {
		if col.Required && !present[col.Name] {
			return nil, models.NewFileError(models.ErrStructural, filename,
				fmt.Sprintf("required column %q is missing", col.Name), nil)
		}
	}

	outColumns := make([]string, 0, len(f.Columns)+1)
	for _, col := range f.Columns {
		outColumns = append(outColumns, col.Name)
	}
	outColumns = append(outColumns, "row_hash")

	outRows := make([]models.Row, 0, len(rows))
	for _, row := range rows {
		out := make(models.Row, len(outColumns))
		for _, col := range f.Columns {
			out[col.Name] = row.vals[col.Name]
		}
		out["row_hash"] = row.hash
		outRows = append(outRows, out)
	}

	return &models.RowSet{Columns: outColumns, Rows: outRows}, nil
}
