// Package sel decides which namespaces are replicated.
package sel

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
)

// WholeDatabase is the collection value that selects every collection of a database.
const WholeDatabase = "{}"

// ErrInvalidRule is returned for a rule that cannot be compiled.
var ErrInvalidRule = errors.New("invalid blacklist rule")

// NSFilter returns true if a namespace is allowed.
type NSFilter func(db, coll string) bool

// Rule is a compiled blacklist rule. It is either a database rule or a collection rule.
type Rule interface {
	String() string

	isRule()
}

type databaseRule struct {
	db  glob.Glob
	raw string
}

func (r databaseRule) String() string { return r.raw + "." + WholeDatabase }
func (databaseRule) isRule()          {}

type collectionRule struct {
	db   glob.Glob
	coll glob.Glob
	raw  string
}

func (r collectionRule) String() string { return r.raw }
func (collectionRule) isRule()          {}

// NewRule compiles a (database, collection) pair. A collection of "{}", "*" or ""
// blocks the entire database.
func NewRule(db, coll string) (Rule, error) {
	db = strings.TrimSpace(db)
	coll = strings.TrimSpace(coll)

	if db == "" {
		return nil, errors.Wrap(ErrInvalidRule, "empty database")
	}

	dbGlob, err := compile(db)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRule, "database pattern %q: %v", db, err)
	}

	if coll == "" || coll == WholeDatabase || coll == "*" {
		return databaseRule{db: dbGlob, raw: db}, nil
	}

	collGlob, err := compile(coll)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRule, "collection pattern %q: %v", coll, err)
	}

	return collectionRule{db: dbGlob, coll: collGlob, raw: db + "." + coll}, nil
}

// ParseRule parses "db.coll", "db.*" or "db.{}". The database ends at the first dot.
func ParseRule(s string) (Rule, error) {
	db, coll, _ := strings.Cut(strings.TrimSpace(s), ".")

	return NewRule(db, coll)
}

// LiteralPrefix marks a name that is matched as is, for names containing glob
// characters ("literal:a[b").
const LiteralPrefix = "literal:"

func compile(pattern string) (glob.Glob, error) {
	if name, ok := strings.CutPrefix(pattern, LiteralPrefix); ok {
		pattern = glob.QuoteMeta(name)
	} else if !strings.ContainsAny(pattern, "*?[{") {
		pattern = glob.QuoteMeta(pattern)
	}

	return glob.Compile(pattern) //nolint:wrapcheck
}

// Filter evaluates blacklist rules and memoizes the decision per namespace.
// It is not safe for concurrent use; the applier goroutine owns it.
type Filter struct {
	dbRules   []databaseRule
	collRules []collectionRule

	decisions map[string]bool
}

// NewFilter builds a filter. With no rules every namespace is allowed.
func NewFilter(rules ...Rule) *Filter {
	f := &Filter{decisions: make(map[string]bool)}

	for _, rule := range rules {
		switch r := rule.(type) {
		case databaseRule:
			f.dbRules = append(f.dbRules, r)
		case collectionRule:
			f.collRules = append(f.collRules, r)
		}
	}

	return f
}

// Allowed reports whether the namespace "db.coll" may be replicated.
// The first decision for a namespace is cached for the process lifetime.
func (f *Filter) Allowed(ns string) bool {
	if allowed, ok := f.decisions[ns]; ok {
		return allowed
	}

	db, coll, _ := strings.Cut(ns, ".")

	rule := f.match(db, coll)
	allowed := rule == nil
	f.decisions[ns] = allowed

	if !allowed {
		log.New("filter").With(log.NS(db, coll)).
			Infof("Skipping namespace %q; it is blacklisted by rule %q", ns, rule.String())
	}

	return allowed
}

// NSFilter adapts the filter to the [NSFilter] signature.
func (f *Filter) NSFilter() NSFilter {
	return func(db, coll string) bool {
		return f.Allowed(db + "." + coll)
	}
}

// Len returns the number of cached decisions.
func (f *Filter) Len() int {
	return len(f.decisions)
}

func (f *Filter) match(db, coll string) Rule {
	for _, r := range f.dbRules {
		if r.db.Match(db) {
			return r
		}
	}

	for _, r := range f.collRules {
		if r.db.Match(db) && r.coll.Match(coll) {
			return r
		}
	}

	return nil
}
