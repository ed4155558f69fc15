package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mppt-controller/pkg/mppt"
)

// caseHeader is the metadata block at the top of a golden file.
type caseHeader struct {
	Source     string
	Arithmetic mppt.Arithmetic
	Trigger    mppt.Trigger
	StartEvery int
}

// replay runs samples through a fresh controller and returns one line
// per tick: "tick phase duty mpp power" plus the decision on Calculate
// ticks. Start is asserted every startEvery ticks (every tick when
// startEvery <= 1).
func replay(samples []mppt.Sample, opts mppt.Options, startEvery int) []string {
	ctrl := mppt.NewController(opts)
	out := make([]string, 0, len(samples))
	for n, s := range samples {
		start := startEvery <= 1 || n%startEvery == 0
		o := ctrl.Tick(start, s.Voltage, s.Current)
		line := fmt.Sprintf("%d %s 0x%04X %t 0x%04X", n, o.Phase, uint16(o.Duty), o.MPPFound, uint16(o.Power))
		if o.Decided {
			line += " " + o.Decision.String()
		}
		out = append(out, line)
	}
	return out
}

func readSuite(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("suite is empty: %s", path)
	}
	return out, nil
}

// readGolden splits a golden file into its header and tick lines.
func readGolden(path string) (caseHeader, []string, error) {
	var h caseHeader
	b, err := os.ReadFile(path)
	if err != nil {
		return h, nil, err
	}
	var lines []string
	for _, ln := range strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		if !strings.HasPrefix(ln, "#") {
			lines = append(lines, ln)
			continue
		}
		key, val, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(ln, "#")), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "Source":
			h.Source = val
		case "Arithmetic":
			if h.Arithmetic, err = mppt.ParseArithmetic(val); err != nil {
				return h, nil, fmt.Errorf("%s: %w", path, err)
			}
		case "Trigger":
			if h.Trigger, err = mppt.ParseTrigger(val); err != nil {
				return h, nil, fmt.Errorf("%s: %w", path, err)
			}
		case "Start-Every":
			if _, err := fmt.Sscanf(val, "%d", &h.StartEvery); err != nil {
				return h, nil, fmt.Errorf("%s: bad Start-Every %q", path, val)
			}
		}
	}
	return h, lines, nil
}

func writeGolden(w io.Writer, h caseHeader, lines []string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# Source: %s\n", h.Source)
	fmt.Fprintf(bw, "# Generated-by: cmd/mppt-golden\n")
	fmt.Fprintf(bw, "# Arithmetic: %s\n", h.Arithmetic)
	fmt.Fprintf(bw, "# Trigger: %s\n", h.Trigger)
	fmt.Fprintf(bw, "# Start-Every: %d\n\n", h.StartEvery)
	for _, ln := range lines {
		fmt.Fprintln(bw, ln)
	}
	return bw.Flush()
}

func writeGoldenFile(path string, h caseHeader, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeGolden(f, h, lines); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// firstDiff returns the first differing line index, or -1.
func firstDiff(want, got []string) int {
	n := len(want)
	if len(got) < n {
		n = len(got)
	}
	for i := 0; i < n; i++ {
		if want[i] != got[i] {
			return i
		}
	}
	if len(want) != len(got) {
		return n
	}
	return -1
}
