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
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/mkuyper/nanoloader/util"
)

const (
	RECORD_MAGIC = 0xb001ec0d /* Boot record magic */
	RECORD_SIZE  = 32
)

// SLOT_NONE in the pending slot field means no update is pending.
const SLOT_NONE = 0xff

/*
 * Boot record status values.  Exactly one of CONFIRMED/TRIAL holds after
 * initialization; ROLLBACK_REQUESTED is an explicit demotion of a trial.
 */
const (
	STATUS_CONFIRMED          = 0x01
	STATUS_TRIAL              = 0x02
	STATUS_ROLLBACK_REQUESTED = 0x03
)

var statusNameMap = map[uint8]string{
	STATUS_CONFIRMED:          "confirmed",
	STATUS_TRIAL:              "trial",
	STATUS_ROLLBACK_REQUESTED: "rollback-requested",
}

func StatusName(status uint8) string {
	name, ok := statusNameMap[status]
	if !ok {
		return "???"
	}

	return name
}

// Record is the bit-exact persisted boot record.  Serialized little-endian
// as RECORD_SIZE bytes with a trailing CRC-32 over everything before it.
// The generation counter strictly increases on every committed mutation;
// the copy with the highest valid generation wins on load.
type Record struct {
	Magic       uint32
	Version     uint8
	ActiveSlot  uint8
	PendingSlot uint8
	Status      uint8
	TrialCount  uint8
	Pad1        [3]uint8
	Generation  uint64
	Pad2        [8]uint8
	Crc         uint32
}

const recordLayoutVersion = 1

// NewRecord returns a first-boot record: the given slot confirmed, nothing
// pending.  The generation counter is assigned at commit time.
func NewRecord(activeSlot uint8) Record {
	return Record{
		Magic:       RECORD_MAGIC,
		Version:     recordLayoutVersion,
		ActiveSlot:  activeSlot,
		PendingSlot: SLOT_NONE,
		Status:      STATUS_CONFIRMED,
	}
}

// MarkTrial points the record at a pending update.  The active slot is left
// untouched; it remains the known-good fallback until the trial confirms.
func (r *Record) MarkTrial(pendingSlot uint8) {
	r.Status = STATUS_TRIAL
	r.PendingSlot = pendingSlot
	r.TrialCount = 0
}

// MarkConfirmed promotes a slot to the confirmed active image and clears all
// trial state.
func (r *Record) MarkConfirmed(activeSlot uint8) {
	r.Status = STATUS_CONFIRMED
	r.ActiveSlot = activeSlot
	r.PendingSlot = SLOT_NONE
	r.TrialCount = 0
}

// RequestRollback demands that the next boot abandon the trial image.
func (r *Record) RequestRollback() {
	r.Status = STATUS_ROLLBACK_REQUESTED
}

func (r Record) String() string {
	return fmt.Sprintf("gen=%d status=%s active=%d pending=%d trials=%d",
		r.Generation, StatusName(r.Status), r.ActiveSlot, r.PendingSlot,
		r.TrialCount)
}

func (r *Record) MarshalBinary() ([]byte, error) {
	rec := *r
	rec.Crc = 0

	b := &bytes.Buffer{}
	if err := binary.Write(b, binary.LittleEndian, &rec); err != nil {
		return nil, util.ChildBootError(err)
	}
	if b.Len() != RECORD_SIZE {
		return nil, util.FmtBootError(
			"record serialized to %d bytes; expected %d", b.Len(), RECORD_SIZE)
	}

	data := b.Bytes()
	crc := crc32.ChecksumIEEE(data[:RECORD_SIZE-4])
	binary.LittleEndian.PutUint32(data[RECORD_SIZE-4:], crc)

	return data, nil
}

// ParseRecord deserializes and verifies a single record copy.  Any magic,
// layout or checksum failure makes the copy unusable; torn writes surface
// here as checksum mismatches.
func ParseRecord(data []byte) (Record, error) {
	var rec Record

	if len(data) < RECORD_SIZE {
		return rec, util.FmtBootError(
			"record incomplete; expected %d bytes, got %d bytes",
			RECORD_SIZE, len(data))
	}

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return rec, util.ChildBootError(err)
	}

	if rec.Magic != RECORD_MAGIC {
		return rec, util.FmtBootError(
			"record magic incorrect; expected 0x%08x, got 0x%08x",
			uint32(RECORD_MAGIC), rec.Magic)
	}
	if rec.Version != recordLayoutVersion {
		return rec, util.FmtBootError("unsupported record layout version %d",
			rec.Version)
	}

	crc := crc32.ChecksumIEEE(data[:RECORD_SIZE-4])
	if crc != rec.Crc {
		return rec, util.FmtBootError(
			"record checksum mismatch; computed 0x%08x, stored 0x%08x",
			crc, rec.Crc)
	}

	switch rec.Status {
	case STATUS_CONFIRMED, STATUS_TRIAL, STATUS_ROLLBACK_REQUESTED:
	default:
		return rec, util.FmtBootError("record has invalid status 0x%02x",
			rec.Status)
	}

	return rec, nil
}
