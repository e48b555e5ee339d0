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

package supervisor

import (
	"math"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"

	"github.com/voicelearn/mgmtd/internal/config"
)

// Handle is a running child process owned by the supervisor.
type Handle interface {
	PID() int
	// Exited reports whether the process has finished and its exit code.
	Exited() (bool, int)
	Signal(sig os.Signal) error
	// Output returns the tail of the child's combined stdout and stderr.
	Output() string
}

// StartFunc spawns a child for the given spec. Injected so tests can run
// without real processes.
type StartFunc func(spec config.ServiceConfig) (Handle, error)

const outputTailSize = 2048

// tailBuffer keeps the last outputTailSize bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > outputTailSize {
		b.buf = b.buf[len(b.buf)-outputTailSize:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

type osProcess struct {
	cmd *exec.Cmd
	out *tailBuffer

	done     chan struct{}
	exitCode int
}

// StartProcess is the production StartFunc. The child runs in its own session
// so signals delivered to the daemon do not propagate, and it survives a
// supervisor crash.
func StartProcess(spec config.ServiceConfig) (Handle, error) {
	out := &tailBuffer{}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{cmd: cmd, out: out, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
		}
		close(p.done)
	}()
	return p, nil
}

func (p *osProcess) PID() int { return p.cmd.Process.Pid }

func (p *osProcess) Exited() (bool, int) {
	select {
	case <-p.done:
		return true, p.exitCode
	default:
		return false, 0
	}
}

func (p *osProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Output() string { return p.out.String() }

// Memory is the per-process accounting attached to each service view.
type Memory struct {
	RSSMB    float64 `json:"rss_mb"`
	VSZMB    float64 `json:"vsz_mb"`
	RSSBytes uint64  `json:"rss_bytes"`
	VSZBytes uint64  `json:"vsz_bytes"`
}

// SystemMemory is the host view (unified memory on Apple Silicon).
type SystemMemory struct {
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	FreeGB      float64 `json:"free_gb"`
	PercentUsed float64 `json:"percent_used"`
}

// ReadProcessMemory reports RSS and VSZ for one pid; failures yield zeros.
func ReadProcessMemory(pid int) Memory {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Memory{}
	}
	mi, err := proc.MemoryInfo()
	if err != nil || mi == nil {
		return Memory{}
	}
	return Memory{
		RSSMB:    round1(float64(mi.RSS) / 1024 / 1024),
		VSZMB:    round1(float64(mi.VMS) / 1024 / 1024),
		RSSBytes: mi.RSS,
		VSZBytes: mi.VMS,
	}
}

// ReadSystemMemory reports the host memory totals; failures yield zeros.
func ReadSystemMemory() SystemMemory {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil {
		return SystemMemory{}
	}
	const gb = 1024 * 1024 * 1024
	return SystemMemory{
		TotalGB:     round1(float64(vm.Total) / gb),
		UsedGB:      round1(float64(vm.Used) / gb),
		FreeGB:      round1(float64(vm.Available) / gb),
		PercentUsed: round1(vm.UsedPercent),
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
