package perm

import (
	"net"
	"net/netip"
	"path"
	"strconv"
	"strings"

	"github.com/xinlaoda/spoold/internal/job"
)

func (e *Engine) match(p predicate, req *Request, j *job.Job) bool {
	switch p.key {
	case "USER":
		return e.globAny(p.values, originUser(req, j), false)
	case "REMOTEUSER":
		return e.globAny(p.values, req.RemoteUser, false)
	case "HOST":
		return e.hostAny(p.values, originHost(req, j))
	case "REMOTEHOST":
		return e.hostAny(p.values, req.RemoteHost)
	case "PRINTER":
		return e.globAny(p.values, req.Printer, true)
	case "GROUP":
		return e.groupAny(p.values, originUser(req, j))
	case "REMOTEGROUP":
		return e.groupAny(p.values, req.RemoteUser)
	case "IP":
		return e.addrAny(p.values, originHost(req, j).Addrs)
	case "REMOTEIP":
		return e.addrAny(p.values, req.RemoteHost.Addrs)
	case "PORT":
		return portAny(p.values, req.Port)
	case "REMOTEPORT":
		return portAny(p.values, req.RemotePort)
	case "SERVICE":
		return serviceAny(p.values, req.Service)
	case "LPC":
		return e.globAny(p.values, req.LPC, true)
	case "CONTROLLINE":
		if j == nil {
			return false
		}
		key, pat, _ := strings.Cut(p.values[0], "=")
		v, ok := j.Attrs().Get(key)
		return ok && e.globAny([]string{pat}, v, false)
	case "AUTHUSER":
		return req.Auth != nil && e.globAny(p.values, req.Auth.User, false)
	case "AUTHFROM":
		return req.Auth != nil && e.globAny(p.values, req.Auth.From, false)
	case "AUTHCA":
		return req.Auth != nil && e.globAny(p.values, req.Auth.CA, false)
	case "AUTHTYPE":
		return req.Auth != nil && e.globAny(p.values, req.Auth.Type, true)
	case "SAMEHOST":
		return sameHost(originHost(req, j), req.RemoteHost)
	case "SAMEUSER":
		u := req.User
		if j != nil {
			u = j.Logname()
		}
		return u != "" && u == req.RemoteUser
	case "FORWARD":
		return req.Forwarded
	case "SERVER":
		return sameHost(req.Host, req.RemoteHost) || isLoopback(req.RemoteHost.Addrs)
	case "AUTH":
		return req.Auth != nil && req.Auth.Type != ""
	case "AUTHSAMEUSER":
		return req.Auth != nil && j != nil && j.AuthUser() != "" && req.Auth.User == j.AuthUser()
	case "AUTHJOB":
		return j != nil && j.AuthUser() != ""
	}
	return false
}

// originUser is the job's owner, or the requesting user without a job.
func originUser(req *Request, j *job.Job) string {
	if j != nil && j.Logname() != "" {
		return j.Logname()
	}
	return req.User
}

// originHost is the host a job came from, or the remote host without one.
func originHost(req *Request, j *job.Job) Host {
	if j == nil || j.FromHost() == "" {
		return req.RemoteHost
	}
	h := Host{Name: j.FromHost()}
	if a, err := netip.ParseAddr(j.FromIP()); err == nil {
		h.Addrs = []netip.Addr{a}
	}
	return h
}

func (e *Engine) expand(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.HasPrefix(v, "@") && len(v) > 1 {
			out = append(out, e.lookup.listFile(v[1:])...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func (e *Engine) globAny(values []string, s string, fold bool) bool {
	if fold {
		s = strings.ToLower(s)
	}
	for _, pat := range e.expand(values) {
		if fold {
			pat = strings.ToLower(pat)
		}
		if ok, _ := path.Match(pat, s); ok {
			return true
		}
	}
	return false
}

func (e *Engine) hostAny(values []string, h Host) bool {
	name := strings.ToLower(h.Name)
	for _, pat := range e.expand(values) {
		pat = strings.ToLower(pat)
		if name != "" {
			if ok, _ := path.Match(pat, name); ok {
				return true
			}
			if short, _, found := strings.Cut(name, "."); found {
				if ok, _ := path.Match(pat, short); ok {
					return true
				}
			}
		}
		for _, a := range h.Addrs {
			if ok, _ := path.Match(pat, a.String()); ok {
				return true
			}
		}
	}
	return false
}

func (e *Engine) groupAny(values []string, user string) bool {
	if user == "" {
		return false
	}
	groups := e.lookup.groups(user)
	for _, g := range groups {
		if e.globAny(values, g, false) {
			return true
		}
	}
	return false
}

func (e *Engine) addrAny(values []string, addrs []netip.Addr) bool {
	for _, v := range e.expand(values) {
		pfx, ok := parseNet(v)
		if !ok {
			continue
		}
		for _, a := range addrs {
			if pfx.Contains(a.Unmap()) {
				return true
			}
		}
	}
	return false
}

// parseNet accepts CIDR notation, addr/dotted-mask, or a bare address.
func parseNet(s string) (netip.Prefix, bool) {
	addrPart, maskPart, hasMask := strings.Cut(s, "/")
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	if !hasMask {
		return netip.PrefixFrom(addr, addr.BitLen()), true
	}
	if bits, err := strconv.Atoi(maskPart); err == nil {
		p, err := addr.Prefix(bits)
		return p, err == nil
	}
	m, err := netip.ParseAddr(maskPart)
	if err != nil || m.BitLen() != addr.BitLen() {
		return netip.Prefix{}, false
	}
	ones, total := net.IPMask(m.AsSlice()).Size()
	if total == 0 {
		return netip.Prefix{}, false
	}
	p, err := addr.Prefix(ones)
	return p, err == nil
}

func portAny(values []string, port int) bool {
	for _, v := range values {
		lo, hi, isRange := strings.Cut(v, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			continue
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
				continue
			}
		}
		if port >= a && port <= b {
			return true
		}
	}
	return false
}

func serviceAny(values []string, svc byte) bool {
	want := strings.ToUpper(string(svc))
	for _, v := range values {
		if strings.Contains(strings.ToUpper(v), want) {
			return true
		}
	}
	return false
}

func sameHost(a, b Host) bool {
	if a.Name != "" && strings.EqualFold(a.Name, b.Name) {
		return true
	}
	for _, x := range a.Addrs {
		for _, y := range b.Addrs {
			if x.Unmap() == y.Unmap() {
				return true
			}
		}
	}
	return false
}

func isLoopback(addrs []netip.Addr) bool {
	for _, a := range addrs {
		if a.IsLoopback() {
			return true
		}
	}
	return false
}
