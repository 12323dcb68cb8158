package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rjboer/rfsim/internal/mdns"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "How long to browse")
	flag.Parse()

	start := time.Now()
	hosts, err := mdns.Discover(context.Background(), *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}
	printHosts(os.Stdout, hosts, *timeout, time.Since(start))
}

func printHosts(w io.Writer, hosts []mdns.Host, timeout, took time.Duration) {
	fmt.Fprintln(w, "===============================================================")
	fmt.Fprintln(w, " rfsim server discovery")
	fmt.Fprintln(w, "===============================================================")
	fmt.Fprintf(w, " Service : %s.%s\n", mdns.ServiceType, mdns.Domain)
	fmt.Fprintf(w, " Timeout : %s\n", timeout)
	fmt.Fprintln(w, "---------------------------------------------------------------")

	if len(hosts) == 0 {
		fmt.Fprintf(w, "No servers found (%s)\n", took.Truncate(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "Discovered %d server(s) in %s\n", len(hosts), took.Truncate(time.Millisecond))
	fmt.Fprintln(w, "===============================================================")

	for i, h := range hosts {
		info := h.Info()
		fmt.Fprintf(w, " Server #%d\n", i+1)
		fmt.Fprintln(w, "---------------------------------------------------------------")
		fmt.Fprintf(w, " Instance : %s\n", h.Instance)
		fmt.Fprintf(w, " Hostname : %s\n", h.Hostname)
		fmt.Fprintf(w, " Port     : %d\n", h.Port)
		fmt.Fprintf(w, " Antennas : %d tx / %d rx\n", info.TxAntennas, info.RxAntennas)
		fmt.Fprintf(w, " Rate     : %.0f S/s\n", info.SampleRate)
		if info.Beams > 0 {
			fmt.Fprintf(w, " Beams    : %d\n", info.Beams)
		}

		fmt.Fprintln(w, " Addresses:")
		if len(h.Addresses) == 0 {
			fmt.Fprintln(w, "   <none>")
		}
		for _, ip := range h.Addresses {
			fmt.Fprintf(w, "   - %s\n", ip.String())
		}

		// Derived connection hint
		if host, port, err := net.SplitHostPort(h.Addr()); err == nil {
			fmt.Fprintf(w, " Connect  : rfsim -serveraddr %s -serverport %s\n", host, port)
		}
		fmt.Fprintln(w, "===============================================================")
	}
}
