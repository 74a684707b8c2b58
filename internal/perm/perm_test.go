package perm

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xinlaoda/spoold/internal/job"
)

func mustParse(t *testing.T, lines ...string) Rules {
	t.Helper()
	r, err := Parse(lines)
	require.NoError(t, err)
	return r
}

func remote(ip string) *Request {
	return &Request{
		Service:    ServicePrint,
		RemoteHost: Host{Name: "client.example.com", Addrs: []netip.Addr{netip.MustParseAddr(ip)}},
	}
}

func TestRejectNetworkThenAccept(t *testing.T) {
	e := NewEngine(mustParse(t, "reject ip=10.0.0.0/8", "accept"), Reject)

	assert.Equal(t, Reject, e.Evaluate(remote("10.1.2.3"), nil).Decision)
	assert.Equal(t, Accept, e.Evaluate(remote("192.168.1.1"), nil).Decision)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	e := NewEngine(mustParse(t, "reject ip=10.0.0.0/8", "accept"), Reject)
	req := remote("10.9.9.9")
	assert.Equal(t, e.Evaluate(req, nil), e.Evaluate(req, nil))
}

func TestNilInputsYieldFallback(t *testing.T) {
	e := NewEngine(nil, Accept)
	r := e.Evaluate(remote("10.1.2.3"), nil)
	assert.Equal(t, Accept, r.Decision)
	assert.True(t, r.Default)

	e = NewEngine(mustParse(t, "accept"), Reject)
	assert.Equal(t, Reject, e.Evaluate(nil, nil).Decision)

	var none *Engine
	assert.Equal(t, Reject, none.Evaluate(remote("10.1.2.3"), nil).Decision)
}

func TestDefaultLines(t *testing.T) {
	e := NewEngine(mustParse(t,
		"DEFAULT REJECT",
		"ACCEPT SERVICE=Q",
		"DEFAULT=accept USER=root",
	), Accept)

	q := remote("1.2.3.4")
	q.Service = ServiceQuery
	assert.Equal(t, Result{Decision: Accept}, e.Evaluate(q, nil))

	p := remote("1.2.3.4")
	assert.Equal(t, Result{Decision: Reject, Default: true}, e.Evaluate(p, nil))

	p.User = "root"
	assert.Equal(t, Result{Decision: Accept, Default: true}, e.Evaluate(p, nil))
}

func TestNotInvertsNextPredicateOnly(t *testing.T) {
	e := NewEngine(mustParse(t, "REJECT NOT SERVICE=P USER=bob", "ACCEPT"), Accept)

	r := remote("1.1.1.1")
	r.User = "bob"
	r.Service = ServiceRemove
	assert.Equal(t, Reject, e.Evaluate(r, nil).Decision)

	r.Service = ServicePrint
	assert.Equal(t, Accept, e.Evaluate(r, nil).Decision)

	r.Service = ServiceRemove
	r.User = "alice"
	assert.Equal(t, Accept, e.Evaluate(r, nil).Decision)
}

func TestPredicates(t *testing.T) {
	j := job.New()
	j.SetLogname("alice")
	j.SetFromHost("ws1.example.com")
	j.SetClass("draft")
	j.Attrs().Set(job.KeyAuthUser, "alice@REALM")

	base := func() *Request {
		return &Request{
			User:       "alice",
			RemoteUser: "alice",
			Host:       Host{Name: "spool.example.com", Addrs: []netip.Addr{netip.MustParseAddr("10.0.0.1")}},
			RemoteHost: Host{Name: "ws1.example.com", Addrs: []netip.Addr{netip.MustParseAddr("10.0.5.7")}},
			Port:       515,
			RemotePort: 721,
			Service:    ServicePrint,
			LPC:        "status",
			Printer:    "LP",
			Auth:       &Auth{Type: "kerberos", From: "ws1", User: "alice@REALM", CA: "corp"},
		}
	}

	tests := []struct {
		rule string
		job  *job.Job
		edit func(*Request)
		want bool
	}{
		{rule: "USER=al*", want: true},
		{rule: "USER=bob,alice", want: true},
		{rule: "USER=bob", want: false},
		{rule: "REMOTEUSER=alice", want: true},
		{rule: "HOST=ws1", job: j, want: true},
		{rule: "HOST=*.EXAMPLE.COM", want: true},
		{rule: "REMOTEHOST=10.0.5.*", want: true},
		{rule: "PRINTER=lp", want: true},
		{rule: "IP=10.0.0.0/255.255.0.0", want: true},
		{rule: "REMOTEIP=10.0.5.7", want: true},
		{rule: "REMOTEIP=10.0.6.0/24", want: false},
		{rule: "PORT=515", want: true},
		{rule: "REMOTEPORT=0-1023", want: true},
		{rule: "REMOTEPORT=1024-65535", want: false},
		{rule: "SERVICE=Q,P", want: true},
		{rule: "SERVICE=CM", want: false},
		{rule: "LPC=stat*", want: true},
		{rule: "CONTROLLINE=class=dr*", job: j, want: true},
		{rule: "CONTROLLINE=class=final", job: j, want: false},
		{rule: "CONTROLLINE=class=*", want: false},
		{rule: "SAMEUSER", job: j, want: true},
		{rule: "SAMEUSER", job: j, edit: func(r *Request) { r.RemoteUser = "eve" }, want: false},
		{rule: "SAMEHOST", job: j, want: true},
		{rule: "SERVER", want: false},
		{rule: "SERVER", edit: func(r *Request) { r.RemoteHost.Addrs = []netip.Addr{netip.MustParseAddr("127.0.0.1")} }, want: true},
		{rule: "FORWARD", want: false},
		{rule: "AUTH", want: true},
		{rule: "AUTH", edit: func(r *Request) { r.Auth = nil }, want: false},
		{rule: "AUTHTYPE=KERBEROS", want: true},
		{rule: "AUTHUSER=alice@*", want: true},
		{rule: "AUTHFROM=ws1", want: true},
		{rule: "AUTHCA=corp", want: true},
		{rule: "AUTHJOB", job: j, want: true},
		{rule: "AUTHJOB", want: false},
		{rule: "AUTHSAMEUSER", job: j, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			e := NewEngine(mustParse(t, "ACCEPT "+tt.rule), Reject)
			req := base()
			if tt.edit != nil {
				tt.edit(req)
			}
			assert.Equal(t, tt.want, e.Evaluate(req, tt.job).Allowed())
		})
	}
}

func TestGroupAndListFile(t *testing.T) {
	list := filepath.Join(t.TempDir(), "users")
	require.NoError(t, os.WriteFile(list, []byte("# operators\ncarol\ndave*\n"), 0644))

	calls := 0
	e := NewEngine(mustParse(t, "ACCEPT USER=@"+list, "ACCEPT GROUP=lp*"), Reject,
		WithGroupLookup(func(u string) ([]string, error) {
			calls++
			if u == "erin" {
				return []string{"staff", "lpadmin"}, nil
			}
			return nil, nil
		}))

	assert.True(t, e.Evaluate(&Request{User: "dave2"}, nil).Allowed())
	assert.True(t, e.Evaluate(&Request{User: "erin"}, nil).Allowed())
	assert.True(t, e.Evaluate(&Request{User: "erin"}, nil).Allowed())
	assert.False(t, e.Evaluate(&Request{User: "frank"}, nil).Allowed())
	assert.Equal(t, 2, calls)
}

func TestParseErrors(t *testing.T) {
	for _, line := range []string{
		"ACCEPT BOGUS",
		"ACCEPT USER",
		"ACCEPT SAMEUSER=x",
		"ACCEPT REJECT",
		"NOT ACCEPT",
		"ACCEPT NOT",
		"DEFAULT",
		"DEFAULT maybe",
		"ACCEPT CONTROLLINE=nokey",
	} {
		_, err := Parse([]string{line})
		assert.Error(t, err, line)
	}
}

func TestParseSkipsComments(t *testing.T) {
	r := mustParse(t, "# comment", "", "accept service=p # trailing")
	require.Len(t, r, 1)
	assert.Equal(t, 3, r[0].Line)
	assert.Equal(t, "accept service=p", r[0].Text)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perms")
	require.NoError(t, os.WriteFile(path, []byte("reject remoteip=10.0.0.0/8\naccept\n"), 0644))
	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, r, 2)
}

func TestJobRequest(t *testing.T) {
	rules, err := Parse([]string{
		"reject service=P printer=lp ip=10.0.0.0/8",
		"accept service=P authjob",
		"reject service=P",
	})
	require.NoError(t, err)
	e := NewEngine(rules, Accept)

	j := job.New()
	j.SetLogname("alice")
	j.SetFromHost("ws1.example.com")
	j.Attrs().Set(job.KeyFromIP, "10.2.3.4")
	assert.Equal(t, Reject, e.Evaluate(JobRequest(j, ServicePrint, "lp"), j).Decision)

	j.Attrs().Set(job.KeyFromIP, "192.168.0.9")
	assert.Equal(t, Reject, e.Evaluate(JobRequest(j, ServicePrint, "lp"), j).Decision)

	j.Attrs().Set(job.KeyAuthUser, "alice@EXAMPLE")
	req := JobRequest(j, ServicePrint, "lp")
	require.NotNil(t, req.Auth)
	assert.Equal(t, Accept, e.Evaluate(req, j).Decision)
}
