package vsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	westonRefresh = regexp.MustCompile(`refresh:\s*(\d+\.?\d*)`)
	xrandrCurrent = regexp.MustCompile(`(\d+\.?\d*)\*`)
)

// ErrNoRefreshRate is returned when no probe yields a refresh rate
var ErrNoRefreshRate = errors.New("display refresh rate not found")

// ParseWestonInfo extracts the first mode refresh from weston-info output.
// weston-info reports millihertz.
func ParseWestonInfo(out string) (float64, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := westonRefresh.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		mhz, err := strconv.ParseFloat(m[1], 64)
		if err != nil || mhz <= 0 {
			continue
		}
		return mhz / 1000, nil
	}
	return 0, ErrNoRefreshRate
}

// ParseXrandr extracts the active mode's rate, the one marked with '*'
func ParseXrandr(out string) (float64, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "*") {
			continue
		}
		m := xrandrCurrent.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		hz, err := strconv.ParseFloat(m[1], 64)
		if err != nil || hz <= 0 {
			continue
		}
		return hz, nil
	}
	return 0, ErrNoRefreshRate
}

// ProbeRefreshRate asks the compositor (weston-info) and then X (xrandr) for the
// current refresh rate in Hz.
func ProbeRefreshRate(ctx context.Context) (float64, string, error) {
	probes := []struct {
		name  string
		args  []string
		env   []string
		parse func(string) (float64, error)
	}{
		{"weston-info", nil, nil, ParseWestonInfo},
		{"xrandr", nil, []string{"DISPLAY=" + displayOr(":0")}, ParseXrandr},
	}

	var errs []error
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		cmd := exec.CommandContext(pctx, p.name, p.args...)
		cmd.Env = append(os.Environ(), p.env...)
		out, err := cmd.Output()
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
			continue
		}
		hz, err := p.parse(string(out))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
			continue
		}
		return hz, p.name, nil
	}
	return 0, "", errors.Join(append([]error{ErrNoRefreshRate}, errs...)...)
}

func displayOr(def string) string {
	if d := os.Getenv("DISPLAY"); d != "" {
		return d
	}
	return def
}
