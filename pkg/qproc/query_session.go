// Package qproc holds the coordinator-side query-session state:
// shallow SQL analysis, SQL classification, chunk/sub-chunk query
// template rendering, and the empty-chunks cache. Full SQL grammar
// handling belongs to the external front end; the "analysis" performed
// here is a deliberately shallow pass (FROM-list + SELECT-list alias
// checking) sufficient to surface analysis errors.
package qproc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jhoblitt/qserv/pkg/qerr"
)

// Catalog answers table-existence questions for QuerySession.
// ContainsTable. An external collaborator; InMemoryCatalog is a
// reference implementation for tests.
type Catalog interface {
	ContainsTable(db, table string) bool
}

// InMemoryCatalog is a reference Catalog used by tests and standalone
// runs. DropDatabase removes every table registered under db so a
// later ContainsTable(db, *) call correctly returns false.
type InMemoryCatalog struct {
	tables map[string]map[string]bool
}

func NewInMemoryCatalog() *InMemoryCatalog {
	return &InMemoryCatalog{tables: make(map[string]map[string]bool)}
}

func (c *InMemoryCatalog) AddTable(db, table string) {
	if c.tables[db] == nil {
		c.tables[db] = make(map[string]bool)
	}
	c.tables[db][table] = true
}

func (c *InMemoryCatalog) DropTable(db, table string) {
	if t, ok := c.tables[db]; ok {
		delete(t, table)
	}
}

func (c *InMemoryCatalog) DropDatabase(db string) {
	delete(c.tables, db)
}

func (c *InMemoryCatalog) ContainsTable(db, table string) bool {
	t, ok := c.tables[db]
	if !ok {
		return false
	}
	return t[table]
}

// QuerySession is the per-query parser/analysis state attached to a
// UserQuerySelect.
type QuerySession struct {
	OriginalSQL  string
	DefaultDB    string
	ProxyOrderBy string

	fromTables []string
	aliasPos   map[string][]int

	valid      bool
	errorExtra string

	catalog Catalog
}

// NewQuerySession performs the shallow analysis pass over sql and
// returns a QuerySession that is always constructable: even when
// analysis fails the session stays usable so getError() works through
// the handle-based API.
func NewQuerySession(sql, defaultDB string, catalog Catalog) *QuerySession {
	qs := &QuerySession{
		OriginalSQL: sql,
		DefaultDB:   defaultDB,
		catalog:     catalog,
		valid:       true,
	}
	qs.fromTables = extractFromList(sql)
	qs.aliasPos = extractSelectAliases(sql)

	for alias, positions := range qs.aliasPos {
		if len(positions) > 1 {
			strs := make([]string, len(positions))
			for i, p := range positions {
				strs[i] = strconv.Itoa(p)
			}
			qs.valid = false
			qs.errorExtra = fmt.Sprintf("DUPLICATE_SELECT_EXPR: alias %q used at positions %s", alias, strings.Join(strs, " "))
			break
		}
	}
	return qs
}

// Valid reports whether analysis found no errors.
func (qs *QuerySession) Valid() bool { return qs.valid }

// Error returns the analysis error, classified as ANALYSIS, or nil.
func (qs *QuerySession) Error() error {
	if qs.valid {
		return nil
	}
	return qerr.NewAnalysis(qs.errorExtra)
}

// ContainsTable reports whether the catalog knows db.table. Returns
// false once the table's database has been dropped.
func (qs *QuerySession) ContainsTable(db, table string) bool {
	if qs.catalog == nil {
		return true
	}
	return qs.catalog.ContainsTable(db, table)
}

// GetProxyOrderBy is a pure string accessor consumed by the front-end
// proxy layer.
func (qs *QuerySession) GetProxyOrderBy() string { return qs.ProxyOrderBy }

// FromTables returns the tables named in the query's FROM list.
func (qs *QuerySession) FromTables() []string { return qs.fromTables }

var (
	fromListRe = regexp.MustCompile(`(?is)\bFROM\s+(.+?)(?:\bWHERE\b|\bGROUP\s+BY\b|\bORDER\s+BY\b|\bLIMIT\b|$)`)
	selectRe   = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\b`)
	aliasRe    = regexp.MustCompile(`(?i)\bAS\s+([A-Za-z_][A-Za-z0-9_]*)\s*$`)
)

func extractFromList(sql string) []string {
	m := fromListRe.FindStringSubmatch(sql)
	if m == nil {
		return nil
	}
	parts := strings.Split(m[1], ",")
	tables := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		fields := strings.Fields(p)
		if len(fields) > 0 {
			tables = append(tables, fields[0])
		}
	}
	return tables
}

func extractSelectAliases(sql string) map[string][]int {
	m := selectRe.FindStringSubmatch(sql)
	result := make(map[string][]int)
	if m == nil {
		return result
	}
	exprs := splitTopLevel(m[1])
	for i, expr := range exprs {
		am := aliasRe.FindStringSubmatch(strings.TrimSpace(expr))
		if am == nil {
			continue
		}
		alias := strings.ToLower(am[1])
		result[alias] = append(result[alias], i+1)
	}
	return result
}

// splitTopLevel splits a comma-separated expression list, respecting
// parenthesis nesting (so function calls with commas aren't split).
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
