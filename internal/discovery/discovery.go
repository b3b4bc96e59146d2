// Package discovery browses mDNS/DNS-SD for AirPlay and Chromecast
// devices on the local network and feeds what it finds into the output
// registry, the way the player's own RAOP/Chromecast services would be
// announced for control points to find it.
package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/brutella/dnssd"

	"github.com/tobiasen/meridian/internal/outputs"
	"github.com/tobiasen/meridian/internal/quality"
	"github.com/tobiasen/meridian/internal/registry"
)

const (
	serviceRAOP = "_raop._tcp"
	serviceCast = "_googlecast._tcp"
)

// Browser watches mDNS for AirPlay and Chromecast services and keeps the
// registry's device list in sync with what's currently on the network.
type Browser struct {
	reg *registry.Registry
}

// New returns a Browser that adds/removes devices from reg as they
// appear and disappear.
func New(reg *registry.Registry) *Browser {
	return &Browser{reg: reg}
}

// Run browses both service types until ctx is cancelled. Each service
// type is browsed on its own goroutine since dnssd.LookupType blocks for
// the lifetime of the browse.
func (b *Browser) Run(ctx context.Context) error {
	errs := make(chan error, 2)

	go func() {
		errs <- dnssd.LookupType(ctx, serviceRAOP, b.raopAdded, b.raopRemoved)
	}()
	go func() {
		errs <- dnssd.LookupType(ctx, serviceCast, b.castAdded, b.castRemoved)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

func deviceID(name string) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for i := 0; i < len(name); i++ {
		h ^= uint64(name[i])
		h *= 1099511628211
	}
	return h
}

func firstV4(ips []net.IP) string {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}

func firstV6(ips []net.IP) string {
	for _, ip := range ips {
		if ip.To4() == nil {
			return ip.String()
		}
	}
	return ""
}

// raopAdded parses the pw, sr, ss, ch, am and et fields of a RAOP TXT
// record into a registry device entry; other TXT fields are ignored.
func (b *Browser) raopAdded(e dnssd.BrowseEntry) {
	txt := e.Text
	q := quality.Default
	if sr, err := strconv.Atoi(txt["sr"]); err == nil && sr > 0 {
		q.SampleRate = sr
	}
	if ss, err := strconv.Atoi(txt["ss"]); err == nil && ss > 0 {
		q.BitsPerSample = ss
	}
	if ch, err := strconv.Atoi(txt["ch"]); err == nil && ch > 0 {
		q.Channels = ch
	}

	name := strings.TrimSuffix(e.Name, "."+serviceRAOP)
	dev := &outputs.Device{
		ID:            deviceID("raop:" + e.Name),
		Name:          name,
		Type:          "raop",
		TypeName:      "AirPlay",
		Advertised:    true,
		HasPassword:   txt["pw"] == "true",
		RequiresAuth:  txt["am"] != "" && strings.Contains(txt["et"], "4"),
		Quality:       q,
		V4Address:     firstV4(e.IPs),
		V6Address:     firstV6(e.IPs),
		V4Port:        e.Port,
		V6Port:        e.Port,
		ExtraInfo:     txt["am"], // device model, e.g. "AirPort4,107"
	}
	b.reg.Add(dev, false, 100)
}

func (b *Browser) raopRemoved(e dnssd.BrowseEntry) {
	if d, ok := b.reg.Get(deviceID("raop:" + e.Name)); ok {
		b.reg.Remove(d)
	}
}

func (b *Browser) castAdded(e dnssd.BrowseEntry) {
	txt := e.Text
	name := txt["fn"] // friendly name, falls back to the instance name
	if name == "" {
		name = strings.TrimSuffix(e.Name, "."+serviceCast)
	}
	dev := &outputs.Device{
		ID:         deviceID("cast:" + e.Name),
		Name:       name,
		Type:       "cast",
		TypeName:   "Chromecast",
		Advertised: true,
		HasVideo:   true,
		Quality:    quality.Default,
		V4Address:  firstV4(e.IPs),
		V6Address:  firstV6(e.IPs),
		V4Port:     e.Port,
		V6Port:     e.Port,
		ExtraInfo:  txt["md"], // model name
	}
	b.reg.Add(dev, false, 100)
}

func (b *Browser) castRemoved(e dnssd.BrowseEntry) {
	if d, ok := b.reg.Get(deviceID("cast:" + e.Name)); ok {
		b.reg.Remove(d)
	}
}
