// Package mdns advertises simulator servers on the local network and finds
// them again.
package mdns

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/rjboer/rfsim/internal/logging"
)

const (
	ServiceType = "_rfsim._tcp"
	Domain      = "local."
)

// Info is what a server publishes in its TXT record.
type Info struct {
	Role       string
	TxAntennas int
	RxAntennas int
	SampleRate float64
	Beams      int
}

// TXT renders info as key=value records.
func (i Info) TXT() []string {
	return []string{
		"role=" + i.Role,
		"tx=" + strconv.Itoa(i.TxAntennas),
		"rx=" + strconv.Itoa(i.RxAntennas),
		"rate=" + strconv.FormatFloat(i.SampleRate, 'f', -1, 64),
		"beams=" + strconv.Itoa(i.Beams),
	}
}

// ParseInfo reads back what TXT wrote. Unknown keys are ignored.
func ParseInfo(txt []string) Info {
	props := ParseTXT(txt)
	var i Info
	i.Role = props["role"]
	i.TxAntennas, _ = strconv.Atoi(props["tx"])
	i.RxAntennas, _ = strconv.Atoi(props["rx"])
	i.SampleRate, _ = strconv.ParseFloat(props["rate"], 64)
	i.Beams, _ = strconv.Atoi(props["beams"])
	return i
}

// ParseTXT splits key=value records. A bare key maps to "".
func ParseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, _ := strings.Cut(t, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}

// Host represents a discovered simulator server.
type Host struct {
	Instance  string // Advertised name: "rfsim on gnb1"
	Hostname  string // DNS hostname: "gnb1.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Info decodes the host's TXT record.
func (h Host) Info() Info { return ParseInfo(h.TXT) }

// Addr is a dialable host:port, preferring IPv4. It falls back to the
// hostname when no address was resolved.
func (h Host) Addr() string {
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			return net.JoinHostPort(ip.String(), strconv.Itoa(h.Port))
		}
	}
	if len(h.Addresses) > 0 {
		return net.JoinHostPort(h.Addresses[0].String(), strconv.Itoa(h.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(h.Hostname, "."), strconv.Itoa(h.Port))
}

// Advertise registers a server under ServiceType. Call the returned
// function to withdraw it.
func Advertise(instance string, port int, info Info, logger logging.Logger) (func(), error) {
	srv, err := zeroconf.Register(instance, ServiceType, Domain, port, info.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	log := logging.OrDefault(logger).With(logging.F("subsystem", "mdns"))
	log.Info("advertising server",
		logging.F("instance", instance),
		logging.F("service", ServiceType),
		logging.F("port", port))
	return func() {
		srv.Shutdown()
		log.Debug("advertisement withdrawn", logging.F("instance", instance))
	}, nil
}

// Discover browses for ServiceType until timeout or ctx expires and
// returns deduplicated hosts ordered by instance name.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := toHost(e)
				resultMap[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Host) int { return strings.Compare(a.Instance, b.Instance) })
	return out, nil
}

// First discovers servers and returns the first one.
func First(ctx context.Context, timeout time.Duration) (Host, error) {
	hosts, err := Discover(ctx, timeout)
	if err != nil {
		return Host{}, err
	}
	if len(hosts) == 0 {
		return Host{}, fmt.Errorf("no %s server found within %s", ServiceType, timeout)
	}
	return hosts[0], nil
}

func toHost(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
