package cpu

import "vmcore/kernel/kfmt"

// PreemptGuard is returned by DisablePreempt. While the guard is held, no
// other context can disable preemption on the same CPU, so the holder can
// safely update per-CPU state and the root page table register.
type PreemptGuard struct {
	cpu     ID
	enabled bool
}

// DisablePreempt pins the calling context to CPU id and disables preemption
// on it. It blocks while another context holds a guard for the same CPU. The
// caller must call Enable on the guard once the critical section completes.
// Pinning to an offline CPU is a fatal error.
func DisablePreempt(id ID) *PreemptGuard {
	if int(id) >= Count() {
		kfmt.Panic(errInvalidCPUID)
	}
	cpus[id].preempt.Lock()
	return &PreemptGuard{cpu: id}
}

// CurrentCPU returns the CPU the guard pins the caller to.
func (g *PreemptGuard) CurrentCPU() ID {
	return g.cpu
}

// Enable re-enables preemption. Calling Enable more than once has no effect.
func (g *PreemptGuard) Enable() {
	if g.enabled {
		return
	}
	g.enabled = true
	cpus[g.cpu].preempt.Unlock()
}
