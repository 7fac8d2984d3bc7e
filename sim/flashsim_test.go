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

package sim_test

import (
	"bytes"
	"testing"

	"github.com/mkuyper/nanoloader/sim"
)

func TestEraseProgramRead(t *testing.T) {
	f := sim.NewFlash(4096, 1024)

	data := []byte{0x12, 0x34, 0x56}
	if err := f.Program(100, data); err != nil {
		t.Fatalf("program: %s", err.Error())
	}

	got := make([]byte, 3)
	if err := f.Read(100, got); err != nil {
		t.Fatalf("read: %s", err.Error())
	}
	if !bytes.Equal(data, got) {
		t.Fatalf("read back % x, want % x", got, data)
	}

	if err := f.Erase(0); err != nil {
		t.Fatalf("erase: %s", err.Error())
	}
	if err := f.Read(100, got); err != nil {
		t.Fatalf("read: %s", err.Error())
	}
	if !bytes.Equal(got, []byte{0xff, 0xff, 0xff}) {
		t.Fatalf("erase did not reset to 0xff: % x", got)
	}
}

func TestProgramClearsBitsOnly(t *testing.T) {
	f := sim.NewFlash(4096, 1024)

	if err := f.Program(0, []byte{0xf0}); err != nil {
		t.Fatalf("program: %s", err.Error())
	}
	// Programming over unerased flash can only clear more bits.
	if err := f.Program(0, []byte{0x3c}); err != nil {
		t.Fatalf("program: %s", err.Error())
	}

	got := make([]byte, 1)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("read: %s", err.Error())
	}
	if got[0] != 0xf0&0x3c {
		t.Fatalf("got 0x%02x, want 0x%02x", got[0], 0xf0&0x3c)
	}
}

func TestEraseAlignment(t *testing.T) {
	f := sim.NewFlash(4096, 1024)

	if err := f.Erase(100); err == nil {
		t.Fatalf("unaligned erase accepted")
	}
	if err := f.Program(4090, make([]byte, 10)); err == nil {
		t.Fatalf("out-of-range program accepted")
	}
}

func TestPowerCut(t *testing.T) {
	f := sim.NewFlash(4096, 1024)

	f.PowerCutAfter(2)
	err := f.Program(0, []byte{0x00, 0x00, 0x00, 0x00})
	if err != sim.ErrPowerCut {
		t.Fatalf("expected ErrPowerCut, got %v", err)
	}

	// Dead until restart.
	if err := f.Read(0, make([]byte, 1)); err != sim.ErrPowerCut {
		t.Fatalf("expected ErrPowerCut on read, got %v", err)
	}

	f.Restart()
	got := make([]byte, 4)
	if err := f.Read(0, got); err != nil {
		t.Fatalf("read after restart: %s", err.Error())
	}

	// Two bytes landed, the third is half-written, the fourth untouched.
	if got[0] != 0x00 || got[1] != 0x00 {
		t.Fatalf("completed bytes lost: % x", got)
	}
	if got[3] != 0xff {
		t.Fatalf("byte beyond the cut was touched: % x", got)
	}
}

func TestReadFault(t *testing.T) {
	f := sim.NewFlash(4096, 1024)
	f.FailReadsAt(10)

	if err := f.Read(0, make([]byte, 8)); err != nil {
		t.Fatalf("read below fault: %s", err.Error())
	}
	if err := f.Read(8, make([]byte, 8)); err != sim.ErrReadFault {
		t.Fatalf("expected ErrReadFault, got %v", err)
	}
}
