// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

// Command snapshot captures an offline unwind snapshot of a running
// process: its memory mappings, the registers of its main thread (or every
// thread with -t), and the raw bytes of each captured thread's stack. The
// resulting directory can be fed back to the library's snapshot loader.
//
// Usage: snapshot [-t] PID
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/unwindkit/unwindkit/libpf"
)

func main() {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	var (
		allThreads = fs.Bool("t", false,
			"Capture every thread of the process, not only the main thread.")
		verbose = fs.Bool("v", false, "Enable verbose logging.")
		outDir  = fs.String("o", "",
			"Output directory; defaults to offline_<PID>.")
	)
	fs.BoolVar(allThreads, "threads", *allThreads,
		"Alias for -t.")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SNAPSHOT")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: snapshot [-t] PID\n")
		os.Exit(1)
	}
	pid, err := strconv.ParseInt(fs.Arg(0), 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid PID %q\n", fs.Arg(0))
		os.Exit(1)
	}

	dir := *outDir
	if dir == "" {
		dir = fmt.Sprintf("offline_%d", pid)
	}

	if err := capture(libpf.PID(pid), *allThreads, dir); err != nil {
		log.Errorf("Capture of PID %d failed: %v", pid, err)
		os.Exit(1)
	}
}
