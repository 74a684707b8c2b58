// Package perm evaluates access-control rule lists against a request.
//
// A rule file holds one rule per line. Each line is a sequence of
// whitespace-separated tokens: an action (ACCEPT, REJECT, or DEFAULT
// followed by ACCEPT or REJECT) and predicates of the form KEY or
// KEY=value[,value...]. NOT inverts the predicate that follows it.
// Lines are tried in order; the first line whose predicates all hold and
// which carries ACCEPT or REJECT decides. DEFAULT lines only change the
// answer given when no line decides. Keywords are case-insensitive and
// '#' starts a comment.
package perm

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
)

// Decision is the outcome of an evaluation.
type Decision int

const (
	Accept Decision = iota + 1
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	}
	return "none"
}

// ParseDecision parses "accept" or "reject".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return Accept, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

// Service codes carried by a request.
const (
	ServicePrint      = 'P'
	ServiceControl    = 'C'
	ServiceQuery      = 'Q'
	ServiceRemove     = 'M'
	ServiceReceive    = 'R'
	ServiceConnection = 'X'
	ServiceStatus     = 'S'
)

// Host is a resolved host identity.
type Host struct {
	Name  string
	Addrs []netip.Addr
}

// Auth is an authenticated identity attached to a request.
type Auth struct {
	Type string
	From string
	User string
	CA   string
}

// Request is the context a rule list is evaluated against.
type Request struct {
	User       string
	RemoteUser string
	Host       Host // the spool server itself
	RemoteHost Host
	Port       int
	RemotePort int
	Service    byte
	LPC        string
	Printer    string
	Forwarded  bool
	Auth       *Auth
}

// Result is an evaluation outcome. Default is set when no line decided
// and the running default was returned.
type Result struct {
	Decision Decision
	Default  bool
}

// Allowed reports whether the result is Accept.
func (r Result) Allowed() bool { return r.Decision == Accept }

type action int

const (
	actNone action = iota
	actAccept
	actReject
	actDefault
)

type predicate struct {
	not    bool
	key    string
	values []string
}

// Rule is one parsed rule line.
type Rule struct {
	Line      int
	Text      string
	action    action
	defaultTo Decision
	preds     []predicate
}

// Rules is an ordered rule list.
type Rules []Rule

var valueKeys = map[string]bool{
	"USER": true, "REMOTEUSER": true, "HOST": true, "REMOTEHOST": true,
	"PRINTER": true, "GROUP": true, "REMOTEGROUP": true,
	"IP": true, "REMOTEIP": true, "PORT": true, "REMOTEPORT": true,
	"SERVICE": true, "LPC": true, "CONTROLLINE": true,
	"AUTHUSER": true, "AUTHFROM": true, "AUTHCA": true, "AUTHTYPE": true,
}

var flagKeys = map[string]bool{
	"SAMEHOST": true, "SAMEUSER": true, "FORWARD": true, "SERVER": true,
	"AUTH": true, "AUTHSAMEUSER": true, "AUTHJOB": true,
}

// Parse parses rule lines. Blank lines and comments are dropped.
func Parse(lines []string) (Rules, error) {
	var rules Rules
	for i, raw := range lines {
		text := raw
		if idx := strings.IndexByte(text, '#'); idx >= 0 {
			text = text[:idx]
		}
		toks := strings.Fields(text)
		if len(toks) == 0 {
			continue
		}
		r, err := parseLine(toks)
		if err != nil {
			return nil, fmt.Errorf("rule line %d: %w", i+1, err)
		}
		r.Line = i + 1
		r.Text = strings.TrimSpace(text)
		rules = append(rules, r)
	}
	return rules, nil
}

func parseLine(toks []string) (Rule, error) {
	var r Rule
	not := false
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		key, val, hasVal := strings.Cut(tok, "=")
		key = strings.ToUpper(key)

		switch key {
		case "NOT":
			if not {
				return r, fmt.Errorf("NOT NOT")
			}
			not = true
			continue
		case "ACCEPT", "REJECT", "DEFAULT":
			if not {
				return r, fmt.Errorf("NOT before %s", key)
			}
			if r.action != actNone {
				return r, fmt.Errorf("more than one action")
			}
			switch key {
			case "ACCEPT":
				r.action = actAccept
			case "REJECT":
				r.action = actReject
			default:
				if !hasVal {
					if i+1 >= len(toks) {
						return r, fmt.Errorf("DEFAULT needs ACCEPT or REJECT")
					}
					i++
					val = toks[i]
				}
				d, err := ParseDecision(val)
				if err != nil {
					return r, err
				}
				r.action = actDefault
				r.defaultTo = d
			}
			continue
		}

		switch {
		case valueKeys[key]:
			if !hasVal || val == "" {
				return r, fmt.Errorf("%s needs a value", key)
			}
			vals := splitValues(val)
			if key == "CONTROLLINE" && !strings.Contains(val, "=") {
				return r, fmt.Errorf("CONTROLLINE needs key=pattern")
			}
			if key == "CONTROLLINE" {
				vals = []string{val}
			}
			r.preds = append(r.preds, predicate{not: not, key: key, values: vals})
		case flagKeys[key]:
			if hasVal {
				return r, fmt.Errorf("%s takes no value", key)
			}
			r.preds = append(r.preds, predicate{not: not, key: key})
		default:
			return r, fmt.Errorf("unknown keyword %q", tok)
		}
		not = false
	}
	if not {
		return r, fmt.Errorf("dangling NOT")
	}
	return r, nil
}

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadFile reads and parses a rule file.
func LoadFile(path string) (Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return Parse(lines)
}

// Engine evaluates rules. Its lookups are cached; it is safe for
// concurrent use.
type Engine struct {
	Rules    Rules
	Fallback Decision

	lookup *lookup
	log    *zap.Logger
}

// NewEngine builds an engine over rules with the given global fallback.
func NewEngine(rules Rules, fallback Decision, opts ...Option) *Engine {
	e := &Engine{Rules: rules, Fallback: fallback, lookup: newLookup(), log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate decides req, optionally in the context of job j. A nil engine
// rejects whatever default_permission says, since it carries no fallback.
// A nil rule list or request yields the engine's fallback.
func (e *Engine) Evaluate(req *Request, j *job.Job) Result {
	if e == nil {
		return Result{Decision: Reject, Default: true}
	}
	if e.Rules == nil || req == nil {
		return Result{Decision: e.Fallback, Default: true}
	}

	last := e.Fallback
	for _, r := range e.Rules {
		if !e.lineMatches(r, req, j) {
			continue
		}
		switch r.action {
		case actAccept:
			e.log.Debug("rule accepted", zap.Int("line", r.Line), zap.String("rule", r.Text))
			return Result{Decision: Accept}
		case actReject:
			e.log.Debug("rule rejected", zap.Int("line", r.Line), zap.String("rule", r.Text))
			return Result{Decision: Reject}
		case actDefault:
			last = r.defaultTo
		}
	}
	return Result{Decision: last, Default: true}
}

func (e *Engine) lineMatches(r Rule, req *Request, j *job.Job) bool {
	for _, p := range r.preds {
		if e.match(p, req, j) == p.not {
			return false
		}
	}
	return true
}
