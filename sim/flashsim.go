/**
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package sim emulates the memory-mapped flash of the target hardware.  It
// honors NOR semantics (program can only clear bits, erase-before-program)
// and can schedule a power cut at an arbitrary byte so that tests can probe
// every interruption point of the commit protocol.
package sim

import (
	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/util"
)

// ErrPowerCut is reported by every operation once a scheduled power cut has
// triggered, until Restart is called.
var ErrPowerCut = util.NewBootError("simulated power cut")

// ErrReadFault is reported by Read for ranges marked as faulty.
var ErrReadFault = util.NewBootError("simulated read fault")

type Flash struct {
	mem        []byte
	sectorSize int

	// Remaining mutated bytes before the power cut triggers; <0 disables.
	powerCut int
	dead     bool

	readFaults map[int]bool

	EraseCount   int
	ProgramCount int
}

func NewFlash(size, sectorSize int) *Flash {
	f := &Flash{
		mem:        make([]byte, size),
		sectorSize: sectorSize,
		powerCut:   -1,
		readFaults: map[int]bool{},
	}
	for i := range f.mem {
		f.mem[i] = flash.ErasedByte
	}

	return f
}

func NewFlashFromBytes(mem []byte, sectorSize int) *Flash {
	f := NewFlash(len(mem), sectorSize)
	copy(f.mem, mem)
	return f
}

func (f *Flash) Size() int {
	return len(f.mem)
}

func (f *Flash) SectorSize() int {
	return f.sectorSize
}

// PowerCutAfter schedules a power cut after n further mutated bytes
// (programmed or erased).  The byte at the cut point is left half-written:
// an arbitrary mix of old and new bits.
func (f *Flash) PowerCutAfter(n int) {
	f.powerCut = n
}

// Restart models power being restored: pending cut state is cleared, memory
// contents are whatever the cut left behind.
func (f *Flash) Restart() {
	f.powerCut = -1
	f.dead = false
}

// FailReadsAt marks the byte at off as unreadable.
func (f *Flash) FailReadsAt(off int) {
	f.readFaults[off] = true
}

func (f *Flash) Snapshot() []byte {
	snap := make([]byte, len(f.mem))
	copy(snap, f.mem)
	return snap
}

func (f *Flash) checkRange(off, length int) error {
	if off < 0 || off+length > len(f.mem) {
		return util.FmtBootError(
			"flash access [0x%x,0x%x) outside device (size 0x%x)",
			off, off+length, len(f.mem))
	}
	return nil
}

// mutate clears bits of the byte at off per the mask, honoring pending
// power-cut scheduling.  Returns false once the cut has triggered.
func (f *Flash) mutate(off int, value byte, norAnd bool) bool {
	if f.powerCut == 0 {
		// Half-written byte: only the high nibble of the new value lands.
		if norAnd {
			f.mem[off] &= value | 0x0f
		} else {
			f.mem[off] = (f.mem[off] & 0x0f) | (value & 0xf0)
		}
		f.powerCut = -1
		f.dead = true
		return false
	}
	if f.powerCut > 0 {
		f.powerCut--
	}

	if norAnd {
		f.mem[off] &= value
	} else {
		f.mem[off] = value
	}
	return true
}

func (f *Flash) Erase(off int) error {
	if f.dead {
		return ErrPowerCut
	}
	if off%f.sectorSize != 0 {
		return util.FmtBootError("erase offset 0x%x not sector aligned", off)
	}
	if err := f.checkRange(off, f.sectorSize); err != nil {
		return err
	}

	f.EraseCount++
	for i := 0; i < f.sectorSize; i++ {
		if !f.mutate(off+i, flash.ErasedByte, false) {
			return ErrPowerCut
		}
	}

	return nil
}

func (f *Flash) Program(off int, p []byte) error {
	if f.dead {
		return ErrPowerCut
	}
	if err := f.checkRange(off, len(p)); err != nil {
		return err
	}

	f.ProgramCount++
	for i, b := range p {
		if !f.mutate(off+i, b, true) {
			return ErrPowerCut
		}
	}

	return nil
}

func (f *Flash) Read(off int, p []byte) error {
	if f.dead {
		return ErrPowerCut
	}
	if err := f.checkRange(off, len(p)); err != nil {
		return err
	}

	for i := range p {
		if f.readFaults[off+i] {
			return ErrReadFault
		}
		p[i] = f.mem[off+i]
	}

	return nil
}
