// Command evdump decodes a captured debug event stream (spec §6) and
// prints one line per record, grounded on gopher-os/tools/redirects's
// flag-driven, single-purpose CLI shape.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-os/kestrel/internal/hostsim/evlog"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[evdump] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	verbose := flag.Bool("v", false, "log each decode step at debug level")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "evdump: decode a captured debug event stream\n\n")
		fmt.Fprint(os.Stderr, "Usage: evdump [options] stream-file\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		return errors.New("missing stream-file argument")
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return errors.Wrap(err, "evdump: open stream")
	}
	defer f.Close()

	dec, err := evlog.NewDecoder(f, log)
	if err != nil {
		return errors.Wrap(err, "evdump: decode header")
	}
	log.WithField("version", dec.Version()).Info("stream header ok")

	count := 0
	for {
		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "evdump: decode record")
		}
		printEvent(ev)
		count++
	}

	log.WithField("records", count).Info("done")
	return nil
}

func printEvent(ev evlog.Event) {
	switch ev.Kind {
	case evlog.EventAck:
		fmt.Println("ack")
	case evlog.EventAllocatePhysicalMemory:
		p := ev.AllocatePhysicalMemory
		fmt.Printf("allocate_physical_memory size=0x%x address=0x%x align=0x%x tag=%d\n", p.Size, p.Address, p.Alignment, p.Tag)
	case evlog.EventAllocateVirtualMemory:
		p := ev.AllocateVirtualMemory
		fmt.Printf("allocate_virtual_memory size=0x%x address=0x%x align=0x%x tag=%d\n", p.Size, p.Address, p.Alignment, p.Tag)
	case evlog.EventReleasePhysicalMemory:
		p := ev.ReleasePhysicalMemory
		fmt.Printf("release_physical_memory address=0x%x tag=%d\n", p.Address, p.Tag)
	case evlog.EventReleaseVirtualMemory:
		p := ev.ReleaseVirtualMemory
		fmt.Printf("release_virtual_memory address=0x%x tag=%d\n", p.Address, p.Tag)
	case evlog.EventScheduleTask:
		p := ev.ScheduleTask
		fmt.Printf("schedule_task thread=%d cpu=%d at=%dns\n", p.ThreadID, p.CPUID, p.AtTickNs)
	}
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
