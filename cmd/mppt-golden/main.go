// mppt-golden replays recorded traces through the controller and checks
// the tick-by-tick output against golden files.
//
// A suite lists trace files, one per line. Each trace has a case directory
// <outdir>/<stem> holding expected.txt; the header of expected.txt pins
// the arithmetic, trigger and start cadence for the case.
//
// Modes:
//
//	check  replay every case, write actual.txt, fail on any difference
//	bless  replay with the flag options and (re)write expected.txt
//	print  replay -trace to stdout
package main

import (
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mppt-controller/pkg/mppt"
	"mppt-controller/pkg/trace"
)

func main() {
	var (
		suite      = flag.String("suite", "testdata/suite.txt", "suite file")
		outdir     = flag.String("outdir", "testdata/golden", "golden directory")
		only       = flag.String("only", "", "only run a single case (path or stem)")
		mode       = flag.String("mode", "check", "mode: check|bless|print")
		tracePath  = flag.String("trace", "", "trace file for -mode print")
		arithmetic = flag.String("arithmetic", "legacy", "difference arithmetic: legacy|signed")
		trigger    = flag.String("trigger", "level", "start trigger: level|edge")
		startEvery = flag.Int("start-every", 1, "assert start every N ticks")
	)
	flag.Parse()

	arith, err := mppt.ParseArithmetic(*arithmetic)
	if err != nil {
		fatal(err)
	}
	trig, err := mppt.ParseTrigger(*trigger)
	if err != nil {
		fatal(err)
	}
	flagHeader := caseHeader{Arithmetic: arith, Trigger: trig, StartEvery: *startEvery}

	if *mode == "print" {
		if *tracePath == "" {
			fatal(fmt.Errorf("-trace is required for -mode print"))
		}
		samples, err := trace.ReadFile(*tracePath)
		if err != nil {
			fatal(err)
		}
		flagHeader.Source = *tracePath
		opts := mppt.Options{Arithmetic: arith, Trigger: trig}
		if err := writeGolden(os.Stdout, flagHeader, replay(samples, opts, *startEvery)); err != nil {
			fatal(err)
		}
		return
	}

	cases, err := readSuite(*suite)
	if err != nil {
		fatal(err)
	}
	base := filepath.Dir(*suite)

	failed := 0
	for _, rel := range cases {
		stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
		if *only != "" && *only != rel && *only != stem {
			continue
		}
		caseDir := filepath.Join(*outdir, stem)
		expected := filepath.Join(caseDir, "expected.txt")

		samples, err := trace.ReadFile(filepath.Join(base, rel))
		if err != nil {
			fatal(fmt.Errorf("%s: %w", rel, err))
		}

		switch *mode {
		case "bless":
			h := flagHeader
			h.Source = rel
			opts := mppt.Options{Arithmetic: h.Arithmetic, Trigger: h.Trigger}
			if err := writeGoldenFile(expected, h, replay(samples, opts, h.StartEvery)); err != nil {
				fatal(err)
			}
			fmt.Printf("BLESS %s (%d ticks)\n", stem, len(samples))

		case "check":
			h, want, err := readGolden(expected)
			if err != nil {
				if stderrors.Is(err, os.ErrNotExist) {
					fatal(fmt.Errorf("missing expected: %s", expected))
				}
				fatal(err)
			}
			opts := mppt.Options{Arithmetic: h.Arithmetic, Trigger: h.Trigger}
			got := replay(samples, opts, h.StartEvery)
			if err := writeGoldenFile(filepath.Join(caseDir, "actual.txt"), h, got); err != nil {
				fatal(err)
			}
			if i := firstDiff(want, got); i >= 0 {
				failed++
				fmt.Printf("FAIL %s at tick %d\n", stem, i)
				fmt.Printf("  want: %s\n", lineAt(want, i))
				fmt.Printf("  got:  %s\n", lineAt(got, i))
				continue
			}
			fmt.Printf("PASS %s (%d ticks)\n", stem, len(got))

		default:
			fatal(fmt.Errorf("unknown mode: %s", *mode))
		}
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d case(s) failed\n", failed)
		os.Exit(1)
	}
}

func lineAt(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return "<eof>"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	os.Exit(2)
}
