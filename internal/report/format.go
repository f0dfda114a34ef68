package report

import (
	"regexp"
	"sort"
	"strings"
)

// BannerRule extracts a labeled value from the report preamble (for example
// a store-identifier line) and stamps it on every output row. A missing
// banner is recoverable: the sentinel is used instead.
type BannerRule struct {
	Pattern  *regexp.Regexp // first submatch is the value
	Column   string
	Sentinel string
}

// MarkerRule reconstructs a per-row attribute printed only on
// section-boundary rows. The marker is extracted from SourceColumn and
// propagated to the data rows above the boundary row, up to the previous
// boundary.
type MarkerRule struct {
	SourceColumn string
	Pattern      *regexp.Regexp // first submatch is the marker value
	Column       string
	DateLayout   string // when set, the marker is coerced to a date
}

// DerivedColumn is a declared sum over a fixed set of columns. Null addends
// count as zero; the result is rounded to cents.
type DerivedColumn struct {
	Name    string
	Addends []string
}

// Column is one entry of a format's output projection. A required column
// that is structurally absent fails the whole file; an optional one is
// emitted as null.
type Column struct {
	Name     string
	Required bool
}

// Format is the immutable parsing descriptor for one class of legacy report.
// Formats are fixed data selected by watched directory or filename
// convention, never inferred from file content beyond header detection.
type Format struct {
	Name      string
	Table     string
	Delimiter rune

	// SkipLines drops a fixed preamble before header detection.
	SkipLines int
	// HeaderTokens must all appear on one line for it to be the header. When
	// empty, the first non-empty line after SkipLines is the header.
	HeaderTokens []string

	Banner        *BannerRule
	FooterMarkers []string
	Marker        *MarkerRule

	// DateColumns maps a canonical column to a time layout; an empty layout
	// means try the common report layouts.
	DateColumns map[string]string
	// NumericColumns are coerced to float64, null when unparseable.
	NumericColumns []string
	// ZeroFillColumns are coerced to float64 with blanks and garbage
	// becoming 0 rather than null.
	ZeroFillColumns []string
	// FlipColumns are stored with inverted sign in the source report and are
	// multiplied by -1 after coercion.
	FlipColumns []string
	// StripRunes removes a cutset from a column's raw value before coercion
	// (e.g. the void-indicator asterisk on A/R amounts).
	StripRunes map[string]string

	// RequiredKey drops rows whose value is null or blank. With
	// RequireNumericKey the raw value must also parse as a number, which
	// filters section-banner and totals rows.
	RequiredKey       string
	RequireNumericKey bool

	Derived []DerivedColumn
	Renames map[string]string

	AddFilename   bool
	AddReportDate bool

	Columns []Column
}

var nonCanonicalChars = regexp.MustCompile(`[^a-z0-9_ ]`)
var whitespaceRun = regexp.MustCompile(`\s+`)
var nonPrintable = regexp.MustCompile(`[^\x20-\x7E]`)

// CanonicalColumn maps a raw header cell to its canonical lower-snake-case
// name: non-printable characters removed, punctuation dropped, whitespace
// collapsed to single underscores.
func CanonicalColumn(raw string) string {
	s := nonPrintable.ReplaceAllString(raw, "")
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonCanonicalChars.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), "_")
	return s
}

// Get returns a registered format by name.
func Get(name string) (*Format, bool) {
	f, ok := registry[name]
	return f, ok
}

// Names returns all registered format names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect resolves a format from a bare filename, for runs over a mixed
// folder where the directory does not identify the format.
func Detect(filename string) (*Format, bool) {
	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(lower, "sales_tax"), strings.Contains(lower, "sales tax"):
		return Get("daily_sales_tax")
	case strings.Contains(lower, "sales"):
		return Get("daily_detail_sales")
	case strings.Contains(lower, "shipment"):
		return Get("inbound_shipments")
	case strings.Contains(lower, "inbound"), strings.Contains(lower, "inventory"):
		return Get("inbound_inventory")
	}
	return nil, false
}
