package main

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rjboer/rfsim/internal/mdns"
)

func TestPrintHosts(t *testing.T) {
	var buf bytes.Buffer
	printHosts(&buf, nil, time.Second, 3*time.Millisecond)
	require.Contains(t, buf.String(), "No servers found (3ms)")

	buf.Reset()
	info := mdns.Info{Role: "server", TxAntennas: 2, RxAntennas: 2, SampleRate: 61.44e6, Beams: 4}
	printHosts(&buf, []mdns.Host{{
		Instance:  "rfsim on gnb",
		Hostname:  "gnb.local.",
		Port:      4043,
		Addresses: []net.IP{net.ParseIP("10.0.0.7")},
		TXT:       info.TXT(),
	}}, time.Second, time.Second)
	out := buf.String()
	require.Contains(t, out, "Discovered 1 server(s)")
	require.Contains(t, out, "Antennas : 2 tx / 2 rx")
	require.Contains(t, out, "Rate     : 61440000 S/s")
	require.Contains(t, out, "Beams    : 4")
	require.Contains(t, out, "rfsim -serveraddr 10.0.0.7 -serverport 4043")
}
