//go:build linux

package hostclock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	timedateBusName    = "org.freedesktop.timedate1"
	timedateObjectPath = "/org/freedesktop/timedate1"
)

// dbusProber reads org.freedesktop.timedate1 properties from the
// system bus.
type dbusProber struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func newPlatformProber() (Prober, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("hostclock: connect system bus: %w", err)
	}
	return &dbusProber{conn: conn}, nil
}

func (p *dbusProber) Probe(ctx context.Context) (*State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil, ErrClosed
	}

	obj := p.conn.Object(timedateBusName, dbus.ObjectPath(timedateObjectPath))
	st := &State{ProbedAt: time.Now().UTC()}

	synced, err := propBool(ctx, obj, timedateBusName+".NTPSynchronized")
	if err != nil {
		return nil, fmt.Errorf("hostclock: read NTPSynchronized: %w", err)
	}
	st.Synchronized = synced

	// NTP and Timezone are best-effort: older timedated versions do
	// not expose them all.
	if active, err := propBool(ctx, obj, timedateBusName+".NTP"); err == nil {
		st.ServiceActive = active
	}
	if tz, err := propString(ctx, obj, timedateBusName+".Timezone"); err == nil {
		st.Timezone = tz
	}
	return st, nil
}

func (p *dbusProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func propBool(ctx context.Context, obj dbus.BusObject, name string) (bool, error) {
	variant, err := getProp(ctx, obj, name)
	if err != nil {
		return false, err
	}
	v, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is %T, not bool", name, variant.Value())
	}
	return v, nil
}

func propString(ctx context.Context, obj dbus.BusObject, name string) (string, error) {
	variant, err := getProp(ctx, obj, name)
	if err != nil {
		return "", err
	}
	v, ok := variant.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s is %T, not string", name, variant.Value())
	}
	return v, nil
}

func getProp(ctx context.Context, obj dbus.BusObject, name string) (dbus.Variant, error) {
	var variant dbus.Variant
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0,
		timedateBusName, name[len(timedateBusName)+1:]).Store(&variant)
	return variant, err
}
