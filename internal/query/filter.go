// Package query turns loosely typed request parameters into SQL predicates,
// pagination and aggregation statements. Malformed input never fails a
// request: the offending field degrades to Absent and the reason is kept on
// the field for logging.
package query

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Kind discriminates the Field union.
type Kind int

const (
	Absent Kind = iota
	Text
	Range
	List
	Bool
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Range:
		return "range"
	case List:
		return "list"
	case Bool:
		return "bool"
	default:
		return "absent"
	}
}

// FieldSpec maps a request parameter to a column and the kind it parses as.
type FieldSpec struct {
	Param  string
	Column string
	Kind   Kind
}

// Schema declares which parameters a resource accepts.
type Schema struct {
	Fields      []FieldSpec
	SortColumns []string // allowed sort columns; first is the default
	GroupBy     []string // allowed stats group columns
	Numeric     []string // columns averaged in stats
}

func (s Schema) allowsSort(col string) bool  { return slices.Contains(s.SortColumns, col) }
func (s Schema) allowsGroup(col string) bool { return slices.Contains(s.GroupBy, col) }

// Field is one parsed filter value. Only the members matching Kind are set.
type Field struct {
	Param  string
	Column string
	Kind   Kind

	Text   string
	Min    *float64
	Max    *float64
	Values []string
	Flag   bool

	// Dropped holds the reason a present but malformed value was ignored.
	Dropped string
}

// Filter is the parsed form of a request, one Field per schema entry.
type Filter struct {
	Fields []Field
}

// Get returns the field for param, or an Absent field.
func (f Filter) Get(param string) Field {
	for _, fld := range f.Fields {
		if fld.Param == param {
			return fld
		}
	}
	return Field{Param: param}
}

// Dropped lists the fields whose input was ignored.
func (f Filter) Dropped() []Field {
	var out []Field
	for _, fld := range f.Fields {
		if fld.Dropped != "" {
			out = append(out, fld)
		}
	}
	return out
}

// Parse reads every schema field out of v.
func Parse(v url.Values, s Schema) Filter {
	fields := make([]Field, 0, len(s.Fields))
	for _, spec := range s.Fields {
		fields = append(fields, parseField(strings.TrimSpace(v.Get(spec.Param)), spec))
	}
	return Filter{Fields: fields}
}

func parseField(raw string, spec FieldSpec) Field {
	f := Field{Param: spec.Param, Column: spec.Column}
	if raw == "" {
		return f
	}

	switch spec.Kind {
	case Text:
		f.Kind = Text
		f.Text = raw
	case Range:
		min, max, ok := parseRange(raw)
		if !ok {
			f.Dropped = "unparseable range " + strconv.Quote(raw)
			return f
		}
		f.Kind = Range
		f.Min, f.Max = min, max
	case List:
		var vals []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				vals = append(vals, part)
			}
		}
		if len(vals) == 0 {
			f.Dropped = "empty list"
			return f
		}
		f.Kind = List
		f.Values = vals
	case Bool:
		flag, ok := parseBool(raw)
		if !ok {
			f.Dropped = "unparseable bool " + strconv.Quote(raw)
			return f
		}
		f.Kind = Bool
		f.Flag = flag
	}
	return f
}

// parseRange accepts "min-max", "min-" and "-max". A bare number is treated
// as an exact match.
func parseRange(raw string) (*float64, *float64, bool) {
	lo, hi, found := strings.Cut(raw, "-")
	if !found {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, nil, false
		}
		return &n, &n, true
	}
	lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
	if lo == "" && hi == "" {
		return nil, nil, false
	}

	var min, max *float64
	if lo != "" {
		n, err := strconv.ParseFloat(lo, 64)
		if err != nil {
			return nil, nil, false
		}
		min = &n
	}
	if hi != "" {
		n, err := strconv.ParseFloat(hi, 64)
		if err != nil {
			return nil, nil, false
		}
		max = &n
	}
	if min != nil && max != nil && *min > *max {
		return nil, nil, false
	}
	return min, max, true
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}
