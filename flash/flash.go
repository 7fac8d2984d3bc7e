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

package flash

import (
	"fmt"
	"sort"

	"github.com/mkuyper/nanoloader/util"
)

// ErasedByte is the value every byte of a sector assumes after a successful
// erase.
const ErasedByte = 0xff

// Device is the low-level flash driver consumed by the bootloader.  All
// operations are synchronous and must be idempotent under retry.  Program may
// only clear bits; callers are responsible for erasing a sector before the
// first program operation that touches it.
type Device interface {
	// Size returns the total device capacity in bytes.
	Size() int

	// SectorSize returns the erase granularity in bytes.  Offsets passed to
	// Erase must be sector aligned.
	SectorSize() int

	// Erase resets every byte of the sector containing off to ErasedByte.
	Erase(off int) error

	// Program writes p starting at off.
	Program(off int, p []byte) error

	// Read fills p with device contents starting at off.
	Read(off int, p []byte) error
}

const (
	AREA_NAME_BOOT_RECORD = "BOOT_RECORD"
	AREA_NAME_SLOT_0      = "IMAGE_SLOT_0"
	AREA_NAME_SLOT_1      = "IMAGE_SLOT_1"
)

// Area is a fixed, statically addressed region of the device.  Image slots
// and the boot record reservation are both expressed as areas.
type Area struct {
	Name   string
	Id     int
	Offset int
	Size   int
}

func (a Area) End() int {
	return a.Offset + a.Size
}

func (a Area) Contains(off, length int) bool {
	return off >= 0 && length >= 0 && off+length <= a.Size
}

func (a Area) String() string {
	return fmt.Sprintf("%s(id=%d,off=0x%x,sz=0x%x)",
		a.Name, a.Id, a.Offset, a.Size)
}

// CheckAreas verifies that a set of areas fits the device and that no two
// areas overlap.
func CheckAreas(dev Device, areas []Area) error {
	sorted := SortAreasByOffset(areas)

	for i, a := range sorted {
		if a.Size <= 0 || a.Offset < 0 || a.End() > dev.Size() {
			return util.FmtBootError("flash area %s exceeds device bounds "+
				"(device size 0x%x)", a.String(), dev.Size())
		}
		if a.Offset%dev.SectorSize() != 0 {
			return util.FmtBootError("flash area %s is not sector aligned "+
				"(sector size 0x%x)", a.String(), dev.SectorSize())
		}
		if i > 0 && sorted[i-1].End() > a.Offset {
			return util.FmtBootError("flash areas %s and %s overlap",
				sorted[i-1].String(), a.String())
		}
	}

	return nil
}

type areaOffSorter struct {
	areas []Area
}

func (s areaOffSorter) Len() int {
	return len(s.areas)
}
func (s areaOffSorter) Swap(i, j int) {
	s.areas[i], s.areas[j] = s.areas[j], s.areas[i]
}
func (s areaOffSorter) Less(i, j int) bool {
	return s.areas[i].Offset < s.areas[j].Offset
}

func SortAreasByOffset(areas []Area) []Area {
	sorter := areaOffSorter{
		areas: make([]Area, len(areas)),
	}
	copy(sorter.areas, areas)

	sort.Sort(sorter)
	return sorter.areas
}
