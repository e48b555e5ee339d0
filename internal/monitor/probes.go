// Copyright 2025 VoiceLearn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"context"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/process"

	"github.com/voicelearn/mgmtd/internal/logs"
)

// CommandRunner executes a host command and returns its combined stdout.
// Injected so probe parsing is testable without the underlying tools.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// RunCommand is the production CommandRunner.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

const probeTimeout = 3 * time.Second

var (
	batteryPercentRe = regexp.MustCompile(`(\d+)%`)
	amperageRe       = regexp.MustCompile(`"Amperage"\s*=\s*(\d+)`)
	voltageRe        = regexp.MustCompile(`"Voltage"\s*=\s*(\d+)`)
)

var thermalPressureNames = map[int]string{
	0: "nominal",
	1: "fair",
	2: "serious",
	3: "critical",
}

// prober wraps the host-level measurement commands. Every probe degrades to a
// neutral value on failure; probe errors are debug-level noise, not faults.
type prober struct {
	log logs.StructuredLogger
	run CommandRunner
}

// thermalPressure reads the xcpm thermal level (0..3) and maps it to the
// pressure name. Hosts without the sysctl report nominal.
func (p *prober) thermalPressure(ctx context.Context) (string, int) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, "sysctl", "-n", "machdep.xcpm.thermal_level")
	if err != nil {
		p.log.Debugf("thermal level probe: %v", err)
		return "nominal", 0
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return "nominal", 0
	}
	name, ok := thermalPressureNames[level]
	if !ok {
		name = "unknown"
	}
	return name, level
}

// cpuUsage sums the %CPU column of the full process listing. Falls back to the
// host CPU percent when the listing is unavailable.
func (p *prober) cpuUsage(ctx context.Context) float64 {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, "ps", "-A", "-o", "%cpu")
	if err == nil {
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		if len(lines) > 1 {
			var total float64
			for _, line := range lines[1:] {
				v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
				if err == nil {
					total += v
				}
			}
			return math.Round(total*10) / 10
		}
	}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		return math.Round(pcts[0]*10) / 10
	}
	p.log.Debugf("cpu usage probe: %v", err)
	return 0
}

// batteryInfo reads charge percent and charging state from the power manager,
// then derives instantaneous draw from the battery IO registry.
func (p *prober) batteryInfo(ctx context.Context) (percent float64, charging bool, drawW float64) {
	percent = 100.0

	pmCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	out, err := p.run(pmCtx, "pmset", "-g", "batt")
	cancel()
	if err != nil {
		p.log.Debugf("battery probe: %v", err)
		return percent, charging, drawW
	}
	text := string(out)
	if m := batteryPercentRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			percent = v
		}
	}
	// "discharging" must not read as charging.
	lower := strings.ToLower(text)
	charging = strings.Contains(lower, "ac power") ||
		(strings.Contains(lower, "charging") && !strings.Contains(lower, "discharging"))

	ioCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	out, err = p.run(ioCtx, "ioreg", "-r", "-c", "AppleSmartBattery")
	cancel()
	if err != nil {
		p.log.Debugf("battery registry probe: %v", err)
		return percent, charging, drawW
	}
	drawW = parseBatteryDraw(string(out))
	return percent, charging, drawW
}

// parseBatteryDraw computes |amperage × voltage| in watts from the battery IO
// registry dump. The registry stores the signed amperage as an unsigned 64-bit
// integer in two's-complement form; values above 2^63 are negative (discharge).
func parseBatteryDraw(ioregOut string) float64 {
	am := amperageRe.FindStringSubmatch(ioregOut)
	vm := voltageRe.FindStringSubmatch(ioregOut)
	if am == nil || vm == nil {
		return 0
	}
	rawAmp, err1 := strconv.ParseUint(am[1], 10, 64)
	rawVolt, err2 := strconv.ParseUint(vm[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	amps := float64(int64(rawAmp)) / 1000.0 // mA to A, sign-extended
	volts := float64(rawVolt) / 1000.0      // mV to V
	return math.Abs(amps * volts)
}

// pidByPort resolves the process listening on a TCP port.
func (p *prober) pidByPort(ctx context.Context, port int) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, "lsof", "-t", "-i", ":"+strconv.Itoa(port), "-sTCP:LISTEN")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// pidByPattern resolves the first process whose command line matches pattern.
func (p *prober) pidByPattern(ctx context.Context, pattern string) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := p.run(ctx, "pgrep", "-f", pattern)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// ProcessStats reads CPU, memory, and thread stats for one pid.
type ProcessStats func(pid int) (ProcessSample, error)

// ReadProcessStats is the production ProcessStats, backed by gopsutil.
func ReadProcessStats(pid int) (ProcessSample, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessSample{}, err
	}
	sample := ProcessSample{PID: pid}
	if v, err := proc.CPUPercent(); err == nil {
		sample.CPUPercent = math.Round(v*10) / 10
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		sample.MemoryMB = math.Round(float64(mi.RSS)/1024/1024*10) / 10
	}
	if v, err := proc.MemoryPercent(); err == nil {
		sample.MemoryPercent = math.Round(float64(v)*10) / 10
	}
	if v, err := proc.NumThreads(); err == nil {
		sample.ThreadCount = int(v)
	}
	return sample, nil
}
