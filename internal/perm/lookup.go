package perm

import (
	"bufio"
	"os"
	"os/user"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Option configures an Engine.
type Option func(*Engine)

// WithCacheTTL sets how long list files and group memberships are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.lookup.data = gocache.New(ttl, 2*ttl)
	}
}

// WithGroupLookup replaces the system group database.
func WithGroupLookup(fn func(user string) ([]string, error)) Option {
	return func(e *Engine) { e.lookup.groupsOf = fn }
}

// WithLogger sets the engine's logger.
func WithLogger(lg *zap.Logger) Option {
	return func(e *Engine) {
		if lg != nil {
			e.log = lg
			e.lookup.log = lg
		}
	}
}

// lookup answers the queries rule predicates make outside the request.
type lookup struct {
	data     *gocache.Cache
	groupsOf func(user string) ([]string, error)
	log      *zap.Logger
}

func newLookup() *lookup {
	return &lookup{
		data:     gocache.New(time.Minute, 2*time.Minute),
		groupsOf: systemGroups,
		log:      zap.NewNop(),
	}
}

func (l *lookup) listFile(path string) []string {
	key := "file:" + path
	if v, ok := l.data.Get(key); ok {
		return v.([]string)
	}
	f, err := os.Open(path)
	if err != nil {
		l.log.Warn("permission list file unreadable", zap.String("path", path), zap.Error(err))
		l.data.SetDefault(key, []string(nil))
		return nil
	}
	defer f.Close()

	var pats []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pats = append(pats, strings.Fields(line)...)
	}
	l.data.SetDefault(key, pats)
	return pats
}

func (l *lookup) groups(name string) []string {
	key := "group:" + name
	if v, ok := l.data.Get(key); ok {
		return v.([]string)
	}
	gs, err := l.groupsOf(name)
	if err != nil {
		l.log.Debug("group lookup failed", zap.String("user", name), zap.Error(err))
		gs = nil
	}
	l.data.SetDefault(key, gs)
	return gs
}

func systemGroups(name string) ([]string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, err
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, id := range ids {
		g, err := user.LookupGroupId(id)
		if err != nil {
			continue
		}
		names = append(names, g.Name)
	}
	return names, nil
}
