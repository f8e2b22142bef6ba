package vmm

import (
	"io"

	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pagetable"
)

// VmReader reads user memory of the space it was created from. Reads stop at
// the first page that is not mapped, returning ErrPageFault together with the
// number of bytes copied so far.
type VmReader struct {
	space    *VmSpace
	guard    *cpu.PreemptGuard
	cur, end uintptr
}

// Remain returns the number of bytes left to read.
func (r *VmReader) Remain() uintptr {
	return r.end - r.cur
}

// Read implements io.Reader.
func (r *VmReader) Read(p []byte) (int, error) {
	if r.cur == r.end {
		return 0, io.EOF
	}

	n, err := r.space.copyUser(r.guard, r.cur, p[:min(uintptr(len(p)), r.Remain())], false)
	r.cur += uintptr(n)
	return n, err
}

// VmWriter writes user memory of the space it was created from. Writes stop
// at the first page that is not mapped or not writable, returning
// ErrPageFault together with the number of bytes copied so far.
type VmWriter struct {
	space    *VmSpace
	guard    *cpu.PreemptGuard
	cur, end uintptr
}

// Remain returns the number of bytes left to write.
func (w *VmWriter) Remain() uintptr {
	return w.end - w.cur
}

// Write implements io.Writer. Writing more than Remain bytes copies what fits
// and returns io.ErrShortWrite.
func (w *VmWriter) Write(p []byte) (int, error) {
	chunk := p[:min(uintptr(len(p)), w.Remain())]

	n, err := w.space.copyUser(w.guard, w.cur, chunk, true)
	w.cur += uintptr(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// copyUser copies between buf and the user memory at va. Access is denied
// once the space is no longer the one active on the CPU pinned by guard.
func (s *VmSpace) copyUser(guard *cpu.PreemptGuard, va uintptr, buf []byte, write bool) (int, error) {
	if activePDTFn(guard.CurrentCPU()) != s.pt.RootPaddr() {
		return 0, ErrAccessDenied
	}

	var copied int
	for copied < len(buf) {
		item, ok := s.pt.Translate(va)
		if !ok {
			return copied, ErrPageFault
		}
		if item.Kind != pagetable.Mapped {
			return copied, ErrPageFault
		}

		if write && !item.Prop.Flags.HasFlags(pagetable.FlagWrite) {
			item.Frame.DecRef()
			return copied, ErrPageFault
		}

		off := int64(mm.PageOffset(va))
		chunk := buf[copied:min(len(buf), copied+int(mm.PageSize)-int(off))]
		if write {
			_, _ = item.Frame.WriteAt(chunk, off)
			s.pt.SetDirty(va)
		} else {
			_, _ = item.Frame.ReadAt(chunk, off)
		}
		item.Frame.DecRef()

		copied += len(chunk)
		va += uintptr(len(chunk))
	}

	return copied, nil
}
