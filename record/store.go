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

package record

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/util"
)

// ErrRecordCorrupt is reported when no copy of the boot record parses.  This
// is fatal for the boot decision: with no valid record there is no safe slot
// choice.
var ErrRecordCorrupt = util.NewBootError("no valid boot record copy found")

// Store manages the redundant, rotating copies of the boot record inside a
// reserved flash area.  Each copy occupies its own sector so that a commit
// never erases the copy it is superseding.  This is the single serialization
// point for all state transitions that must survive power loss.
type Store struct {
	dev    flash.Device
	area   flash.Area
	stride int
	copies int
}

func NewStore(dev flash.Device, area flash.Area) (*Store, error) {
	stride := dev.SectorSize()
	copies := area.Size / stride

	if stride < RECORD_SIZE {
		return nil, util.FmtBootError(
			"sector size 0x%x cannot hold a record copy (0x%x bytes)",
			stride, RECORD_SIZE)
	}
	if copies < 2 {
		return nil, util.FmtBootError(
			"boot record area %s holds %d copies; need at least 2",
			area.String(), copies)
	}

	return &Store{
		dev:    dev,
		area:   area,
		stride: stride,
		copies: copies,
	}, nil
}

func (s *Store) copyOffset(idx int) int {
	return s.area.Offset + idx*s.stride
}

// scan reads every record copy and returns the one with the highest valid
// generation, or nil if none parse.
func (s *Store) scan() *Record {
	var best *Record

	buf := make([]byte, RECORD_SIZE)
	for idx := 0; idx < s.copies; idx++ {
		if err := s.dev.Read(s.copyOffset(idx), buf); err != nil {
			log.Debugf("record copy %d unreadable: %s", idx, err.Error())
			continue
		}

		rec, err := ParseRecord(buf)
		if err != nil {
			log.Debugf("record copy %d rejected: %s", idx, err.Error())
			continue
		}

		if best == nil || rec.Generation > best.Generation {
			r := rec
			best = &r
		}
	}

	return best
}

// Load selects the highest-generation copy with a valid checksum.  Reports
// ErrRecordCorrupt if no copy is usable.
func (s *Store) Load() (Record, error) {
	best := s.scan()
	if best == nil {
		return Record{}, ErrRecordCorrupt
	}

	return *best, nil
}

// Commit durably persists a mutated record.  The generation counter is
// advanced past the newest on-flash copy and the write lands in the
// rotation slot for that generation, so an interrupted commit always leaves
// the previous generation intact.  The write only counts once read-back
// verification and a re-parse succeed.
func (s *Store) Commit(rec Record) error {
	rec.Magic = RECORD_MAGIC
	rec.Version = recordLayoutVersion

	rec.Generation = 1
	if prev := s.scan(); prev != nil {
		rec.Generation = prev.Generation + 1
	}

	idx := int(rec.Generation % uint64(s.copies))
	off := s.copyOffset(idx)

	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}

	if err := s.dev.Erase(off); err != nil {
		return util.FmtChildBootError(err,
			"boot record erase failed at 0x%x: %s", off, err.Error())
	}
	if err := s.dev.Program(off, data); err != nil {
		return util.FmtChildBootError(err,
			"boot record program failed at 0x%x: %s", off, err.Error())
	}

	readBack := make([]byte, RECORD_SIZE)
	if err := s.dev.Read(off, readBack); err != nil {
		return util.FmtChildBootError(err,
			"boot record read-back failed at 0x%x: %s", off, err.Error())
	}
	if !bytes.Equal(data, readBack) {
		return util.FmtBootError(
			"boot record read-back mismatch at 0x%x", off)
	}
	if _, err := ParseRecord(readBack); err != nil {
		return util.FmtChildBootError(err,
			"boot record reparse failed at 0x%x: %s", off, err.Error())
	}

	log.Debugf("boot record committed: %s (copy %d)", rec.String(), idx)

	return nil
}

// Init writes the first-boot record.  Only meaningful on a device whose
// record area has never held a valid record.
func (s *Store) Init(activeSlot uint8) error {
	return s.Commit(NewRecord(activeSlot))
}
