package perm

import (
	"net/netip"
	"os"
	"sync"

	"github.com/xinlaoda/spoold/internal/job"
)

var localHost = sync.OnceValue(func() Host {
	name, _ := os.Hostname()
	return Host{Name: name, Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}}
})

// LocalHost is the spool server's own host identity.
func LocalHost() Host { return localHost() }

// JobRequest is the request the spooler itself evaluates before acting on
// j for the given service at printer. The job's owner and origin host stand
// in for the remote side.
func JobRequest(j *job.Job, service byte, printer string) *Request {
	remote := Host{Name: j.FromHost()}
	if a, err := netip.ParseAddr(j.FromIP()); err == nil {
		remote.Addrs = []netip.Addr{a}
	}
	req := &Request{
		User:       j.Logname(),
		RemoteUser: j.Logname(),
		Host:       LocalHost(),
		RemoteHost: remote,
		Service:    service,
		Printer:    printer,
	}
	if u := j.AuthUser(); u != "" {
		req.Auth = &Auth{Type: "job", User: u}
	}
	return req
}
