package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/pkg/client"
)

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:3001", "netmapper server base URL")
	start := fs.Bool("start", false, "start a scan before watching")
	untilDone := fs.Bool("until-done", false, "exit once the current scan finishes")
	verbose := fs.Bool("v", false, "log reconnects to stderr")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}

	c, err := client.New(*addr, client.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *start {
		id, err := c.StartScan(ctx)
		var apiErr *client.APIError
		switch {
		case client.IsConflict(err) && errors.As(err, &apiErr):
			fmt.Printf("Scan %s already running, attaching\n", apiErr.JobID)
		case err != nil:
			fmt.Fprintf(os.Stderr, "start scan: %v\n", err)
			os.Exit(1)
		default:
			fmt.Printf("Started scan %s\n", id)
		}
	}

	p := &statePrinter{out: os.Stdout}
	err = c.Watch(ctx, func(s client.State) {
		p.print(s)
		if *untilDone && s.Synced && s.Status.Terminal() {
			p.table(s)
			stop()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

// statePrinter writes one line per visible change of the reconciled view.
type statePrinter struct {
	out     io.Writer
	last    string
	devices int
}

func (p *statePrinter) print(s client.State) {
	if !s.Connected {
		p.line("disconnected, retrying")
		p.devices = 0
		return
	}
	if !s.Synced {
		return
	}

	for _, d := range s.Devices[min(p.devices, len(s.Devices)):] {
		fmt.Fprintf(p.out, "  + %-15s %-17s %-8s %s\n", d.IP, d.MAC, d.DeviceType, d.Hostname)
	}
	p.devices = len(s.Devices)

	line := fmt.Sprintf("[%s] progress=%d%% devices=%d", s.Status, s.Progress, s.DevicesFound)
	if s.JobID != "" {
		line = fmt.Sprintf("[%s] job=%s progress=%d%% devices=%d", s.Status, s.JobID, s.Progress, s.DevicesFound)
	}
	if s.Error != "" {
		line += " error=" + s.Error
	}
	p.line(line)
}

func (p *statePrinter) line(s string) {
	if s == p.last {
		return
	}
	p.last = s
	fmt.Fprintln(p.out, s)
}

func (p *statePrinter) table(s client.State) {
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tMAC\tHOSTNAME\tVENDOR\tTYPE\tGATEWAY")
	for _, d := range s.Devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", d.IP, d.MAC, d.Hostname, d.Vendor, d.DeviceType, d.IsGateway)
	}
	_ = tw.Flush()
}
