// Package queue holds the per-queue state shared by the scheduler, its
// workers and the administrative commands: the spool control record and
// the queue context passed to every operation.
package queue

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xinlaoda/spoold/internal/attr"
	"github.com/xinlaoda/spoold/internal/lock"
)

// ErrParse is wrapped when a control file cannot be decoded.
var ErrParse = errors.New("malformed control file")

// Control record keys.
const (
	KeyPrintingDisabled = "printing_disabled"
	KeyPrintingAborted  = "printing_aborted"
	KeySpoolingDisabled = "spooling_disabled"
	KeyHoldAll          = "hold_all"
	KeyClass            = "class"
	KeyForwarding       = "forwarding"
	KeyDebug            = "debug"
	KeyServerOrder      = "server_order"
	KeyChange           = "change"
	KeyMsg              = "msg"
)

// Control is the persistent per-queue flag set.
type Control struct {
	rec *attr.Record
}

// NewControl returns a control record with every flag cleared.
func NewControl() *Control {
	return &Control{rec: attr.New()}
}

// Record exposes the underlying attributes.
func (c *Control) Record() *attr.Record { return c.rec }

func (c *Control) PrintingDisabled() bool { return c.rec.GetBool(KeyPrintingDisabled) }
func (c *Control) SetPrintingDisabled(b bool) { c.rec.SetBool(KeyPrintingDisabled, b) }
func (c *Control) PrintingAborted() bool { return c.rec.GetBool(KeyPrintingAborted) }
func (c *Control) SetPrintingAborted(b bool) { c.rec.SetBool(KeyPrintingAborted, b) }
func (c *Control) SpoolingDisabled() bool { return c.rec.GetBool(KeySpoolingDisabled) }
func (c *Control) SetSpoolingDisabled(b bool) { c.rec.SetBool(KeySpoolingDisabled, b) }
func (c *Control) HoldAll() bool { return c.rec.GetBool(KeyHoldAll) }
func (c *Control) SetHoldAll(b bool) { c.rec.SetBool(KeyHoldAll, b) }
func (c *Control) Change() bool { return c.rec.GetBool(KeyChange) }
func (c *Control) SetChange(b bool) { c.rec.SetBool(KeyChange, b) }

// Class is the class filter; empty means every class prints.
func (c *Control) Class() string { return c.rec.Value(KeyClass) }
func (c *Control) SetClass(s string) { c.rec.Set(KeyClass, s) }
func (c *Control) Forwarding() string { return c.rec.Value(KeyForwarding) }
func (c *Control) SetForwarding(s string) { c.rec.Set(KeyForwarding, s) }
func (c *Control) Debug() string { return c.rec.Value(KeyDebug) }
func (c *Control) SetDebug(s string) { c.rec.Set(KeyDebug, s) }
func (c *Control) Msg() string { return c.rec.Value(KeyMsg) }
func (c *Control) SetMsg(s string) { c.rec.Set(KeyMsg, s) }

// Printable reports whether the scheduler may start print workers.
func (c *Control) Printable() bool {
	return !c.PrintingDisabled() && !c.PrintingAborted()
}

// ServerOrder returns the subserver names in their last scheduling order.
func (c *Control) ServerOrder() []string {
	v := strings.TrimSpace(c.rec.Value(KeyServerOrder))
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// SetServerOrder records the subserver order.
func (c *Control) SetServerOrder(names []string) {
	c.rec.Set(KeyServerOrder, strings.Join(names, ","))
}

// Load reads the control record at path. A missing file yields an empty
// record.
func Load(path string) (*Control, error) {
	rec, err := attr.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewControl(), nil
		}
		var se *attr.SyntaxError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
		}
		return nil, fmt.Errorf("read control %s: %w", path, err)
	}
	return &Control{rec: rec}, nil
}

// Store atomically replaces the control record at path.
func Store(path string, c *Control) error {
	return attr.WriteFile(path, c.rec, 0644)
}

// Update loads the record at path, applies fn, and stores the result, all
// under an exclusive lock on path.lk so concurrent writers serialize. The
// record is not written when fn returns an error.
func Update(path string, fn func(*Control) error) error {
	return lock.WithExclusive(path+".lk", func() error {
		c, err := Load(path)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		return Store(path, c)
	})
}
