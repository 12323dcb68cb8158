package mdns

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestInfoRoundTrip(t *testing.T) {
	in := Info{Role: "server", TxAntennas: 2, RxAntennas: 4, SampleRate: 30.72e6, Beams: 3}
	txt := in.TXT()
	require.Contains(t, txt, "rate=30720000")
	require.Equal(t, in, ParseInfo(txt))
}

func TestParseTXT(t *testing.T) {
	props := ParseTXT([]string{"a=1", "b=x=y", "flag", "=orphan"})
	require.Equal(t, map[string]string{"a": "1", "b": "x=y", "flag": ""}, props)
}

func TestToHost(t *testing.T) {
	e := zeroconf.NewServiceEntry(`rfsim\ on\ gnb`, ServiceType, Domain)
	e.HostName = "gnb.local."
	e.Port = 4043
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.10")}
	e.Text = []string{"role=server", "tx=1"}

	h := toHost(e)
	require.Equal(t, "rfsim on gnb", h.Instance)
	require.Equal(t, "192.168.1.10:4043", h.Addr())
	require.Equal(t, 1, h.Info().TxAntennas)
	require.Len(t, h.Addresses, 2)
}

func TestHostAddrFallbacks(t *testing.T) {
	h := Host{Hostname: "gnb.local.", Port: 4043, Addresses: []net.IP{net.ParseIP("fe80::1")}}
	require.Equal(t, "[fe80::1]:4043", h.Addr())
	h.Addresses = nil
	require.Equal(t, "gnb.local:4043", h.Addr())
}
