package scheduler

import (
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/config"
	"github.com/xinlaoda/spoold/internal/job"
	"github.com/xinlaoda/spoold/internal/queue"
	"github.com/xinlaoda/spoold/internal/sched/chooser"
)

// Server describes one printer the scheduler feeds. Index 0 is the queue
// itself; higher indexes are its load-balance peers.
type Server struct {
	Index int
	Name  string
	Queue *config.Queue

	// Pid is the worker currently serving this printer, 0 when idle.
	Pid        int
	Hold       string
	Identifier string

	// Printable and Class come from the printer's control record.
	Printable bool
	Class     string

	Counts job.Counts
	// DoneTime is when the printer last finished a job.
	DoneTime time.Time
	// DoneRemove names a staged hold file whose removal failed.
	DoneRemove string
}

// Idle reports whether the printer can take a job.
func (sv *Server) Idle() bool { return sv.Pid == 0 }

func (sv *Server) assign(pid int, j *job.Job) {
	sv.Pid = pid
	sv.Hold = j.Name()
	sv.Identifier = j.Identifier()
}

func (sv *Server) release(now time.Time) {
	sv.Pid = 0
	sv.Hold = ""
	sv.Identifier = ""
	sv.DoneTime = now
}

// buildServers creates the descriptors for q and its peers, ordered by the
// last recorded server order.
func buildServers(qc *queue.Context) ([]*Server, error) {
	servers := []*Server{{Index: 0, Name: qc.Name, Queue: qc.Queue}}
	for _, name := range qc.Queue.Subservers {
		pq, err := qc.Config.Queue(name)
		if err != nil {
			return nil, err
		}
		servers = append(servers, &Server{Name: name, Queue: pq})
	}

	if qc.Control != nil {
		rank := make(map[string]int)
		for i, name := range qc.Control.ServerOrder() {
			rank[name] = i + 1
		}
		peers := servers[1:]
		sort.SliceStable(peers, func(a, b int) bool {
			ra, rb := rank[peers[a].Name], rank[peers[b].Name]
			if ra == 0 || rb == 0 {
				return ra != 0
			}
			return ra < rb
		})
	}
	for i, sv := range servers {
		sv.Index = i
	}
	return servers, nil
}

// refreshServers reloads each peer's control flags. The primary takes its
// flags from the queue context.
func (s *Scheduler) refreshServers(counts job.Counts) {
	master := s.servers[0]
	master.Printable = s.q.Control.Printable()
	master.Class = s.q.Control.Class()
	master.Counts = counts

	for _, sv := range s.servers[1:] {
		sv.Class = sv.Queue.Class
		ctl, err := queue.Load(sv.Queue.ControlPath())
		if err != nil {
			s.log.Warn("cannot read subserver control, treating as disabled", zap.String("subserver", sv.Name), zap.Error(err))
			sv.Printable = false
			continue
		}
		sv.Printable = ctl.Printable()
		if c := ctl.Class(); c != "" {
			sv.Class = c
		}
	}
}

// peers returns the load-balance peers, idle ones first and least recently
// finished first among those.
func (s *Scheduler) peers() []*Server {
	peers := append([]*Server(nil), s.servers[1:]...)
	sort.SliceStable(peers, func(a, b int) bool {
		pa, pb := peers[a], peers[b]
		if pa.Idle() != pb.Idle() {
			return pa.Idle()
		}
		return pa.DoneTime.Before(pb.DoneTime)
	})
	return peers
}

// candidates are the idle, printable peers offered to the chooser.
func (s *Scheduler) candidates() []chooser.Candidate {
	var out []chooser.Candidate
	for _, sv := range s.peers() {
		if !sv.Idle() || !sv.Printable {
			continue
		}
		out = append(out, chooser.Candidate{
			Index:    sv.Index,
			Name:     sv.Name,
			SpoolDir: sv.Queue.SpoolDir,
			Class:    sv.Class,
			DoneTime: sv.DoneTime,
		})
	}
	return out
}

// storeServerOrder records the peer order in the control record when it
// changed.
func (s *Scheduler) storeServerOrder() {
	if len(s.servers) < 2 {
		return
	}
	var names []string
	for _, sv := range s.peers() {
		names = append(names, sv.Name)
	}
	if slices.Equal(names, s.q.Control.ServerOrder()) {
		return
	}
	err := s.q.UpdateControl(func(c *queue.Control) error {
		c.SetServerOrder(names)
		return nil
	})
	if err != nil {
		s.log.Warn("failed to store server order", zap.Error(err))
	}
}

