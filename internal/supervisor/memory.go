package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// SampleMemoryPercent reports current resident-memory usage as a
// percentage of total physical memory. Sampling is platform-specific and
// always degrades to the portable fallback on any read failure.
func SampleMemoryPercent() (float64, error) {
	switch runtime.GOOS {
	case "linux":
		return sampleLinux()
	case "darwin":
		return sampleDarwin()
	default:
		return samplePortable()
	}
}

func sampleLinux() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return samplePortable()
	}
	defer f.Close()

	var totalKB, availableKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = parseMeminfoValue(line)
		}
	}
	if totalKB == 0 {
		return samplePortable()
	}
	usedKB := totalKB - availableKB
	return capPercent(float64(usedKB) / float64(totalKB) * 100), nil
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

func sampleDarwin() (float64, error) {
	out, err := exec.Command("vm_stat").Output()
	if err != nil {
		return samplePortable()
	}

	pages := map[string]uint64{}
	lines := strings.Split(string(out), "\n")
	for _, line := range lines {
		if strings.HasPrefix(line, "Mach Virtual Memory Statistics") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "."))
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		pages[key] = n
	}
	if len(pages) == 0 {
		return samplePortable()
	}

	free := pages["Pages free"]
	active := pages["Pages active"]
	inactive := pages["Pages inactive"]
	wired := pages["Pages wired down"]
	speculative := pages["Pages speculative"]

	total := free + active + inactive + wired + speculative
	if total == 0 {
		return samplePortable()
	}
	used := active + wired
	return capPercent(float64(used) / float64(total) * 100), nil
}

// samplePortable is used on platforms other than Linux and Darwin and
// whenever the platform-specific reader fails. It does not query the OS
// for free memory: it always returns 0 and an error.
func samplePortable() (float64, error) {
	return 0, fmt.Errorf("memory sampling unsupported on this platform")
}

func capPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
