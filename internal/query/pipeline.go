package query

import (
	"strconv"
	"strings"
)

// Aggregate is one computed column of a grouped statement.
type Aggregate struct {
	Op     string
	Column string
	Alias  string
}

func Count() Aggregate           { return Aggregate{Op: "COUNT", Column: "*", Alias: "count"} }
func Avg(col string) Aggregate   { return Aggregate{Op: "AVG", Column: col, Alias: "avg_" + col} }
func Min(col string) Aggregate   { return Aggregate{Op: "MIN", Column: col, Alias: "min_" + col} }
func Max(col string) Aggregate   { return Aggregate{Op: "MAX", Column: col, Alias: "max_" + col} }
func (a Aggregate) expr() string { return a.Op + "(" + a.Column + ") AS " + a.Alias }

// Pipeline is an aggregation built in stages: match, group, sort, limit.
// It renders to one SQL statement.
type Pipeline struct {
	match   Predicate
	groupBy string
	aggs    []Aggregate
	sortBy  string
	desc    bool
	limit   int
}

// NewPipeline starts an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) Match(pr Predicate) *Pipeline {
	p.match = pr
	return p
}

// Group sets the group column (empty for a single total row) and aggregates.
func (p *Pipeline) Group(by string, aggs ...Aggregate) *Pipeline {
	p.groupBy = by
	p.aggs = aggs
	return p
}

func (p *Pipeline) Sort(alias string, desc bool) *Pipeline {
	p.sortBy = alias
	p.desc = desc
	return p
}

func (p *Pipeline) Limit(n int) *Pipeline {
	p.limit = n
	return p
}

// GroupBy returns the group column, empty when ungrouped.
func (p *Pipeline) GroupBy() string { return p.groupBy }

// Aggregates returns the aggregates in select order.
func (p *Pipeline) Aggregates() []Aggregate { return p.aggs }

// SQL renders the statement against table. The first selected column is the
// group key (NULL when ungrouped), followed by the aggregates in order.
func (p *Pipeline) SQL(table string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if p.groupBy != "" {
		sb.WriteString(p.groupBy)
	} else {
		sb.WriteString("NULL")
	}
	sb.WriteString(" AS key")
	for _, a := range p.aggs {
		sb.WriteString(", ")
		sb.WriteString(a.expr())
	}
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	if w := p.match.Where(); w != "" {
		sb.WriteString(" ")
		sb.WriteString(w)
	}
	if p.groupBy != "" {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(p.groupBy)
	}
	if p.sortBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(p.sortBy)
		if p.desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}
	if p.limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(p.limit))
	}
	return sb.String(), append([]any(nil), p.match.Args...)
}
