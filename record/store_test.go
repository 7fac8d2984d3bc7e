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

package record_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/record"
	"github.com/mkuyper/nanoloader/sim"
)

const testSectorSize = 256

func testStore(t *testing.T) (*sim.Flash, *record.Store) {
	t.Helper()

	dev := sim.NewFlash(2*testSectorSize, testSectorSize)
	area := flash.Area{
		Name:   flash.AREA_NAME_BOOT_RECORD,
		Id:     -1,
		Offset: 0,
		Size:   2 * testSectorSize,
	}

	store, err := record.NewStore(dev, area)
	require.NoError(t, err)

	return dev, store
}

func TestStoreInitLoad(t *testing.T) {
	_, store := testStore(t)

	_, err := store.Load()
	require.ErrorIs(t, err, record.ErrRecordCorrupt)

	require.NoError(t, store.Init(0))

	rec, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), rec.Status)
	require.Equal(t, uint8(0), rec.ActiveSlot)
	require.Equal(t, uint8(record.SLOT_NONE), rec.PendingSlot)
	require.Equal(t, uint64(1), rec.Generation)
}

func TestStoreGenerationAdvances(t *testing.T) {
	_, store := testStore(t)
	require.NoError(t, store.Init(0))

	rec, err := store.Load()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		rec.MarkTrial(1)
		require.NoError(t, store.Commit(rec))

		reloaded, err := store.Load()
		require.NoError(t, err)
		require.Equal(t, uint64(i+2), reloaded.Generation)
		require.Equal(t, uint8(record.STATUS_TRIAL), reloaded.Status)
		rec = reloaded
	}
}

func TestStoreRotationPreservesPrevious(t *testing.T) {
	dev, store := testStore(t)
	require.NoError(t, store.Init(0))

	rec, err := store.Load()
	require.NoError(t, err)
	rec.MarkTrial(1)
	require.NoError(t, store.Commit(rec))

	// Successive generations land in different copies; wiping the copy
	// holding the newest generation must fall back to the previous one.
	cur, err := store.Load()
	require.NoError(t, err)
	idx := int(cur.Generation % 2)
	require.NoError(t, dev.Erase(idx*testSectorSize))

	prev, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, cur.Generation-1, prev.Generation)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), prev.Status)
}

// TestStoreTornWrite simulates power loss at every byte offset of a record
// commit.  Reload must always produce either the old or the new record,
// never garbage.
func TestStoreTornWrite(t *testing.T) {
	for cut := 0; cut < testSectorSize+record.RECORD_SIZE; cut++ {
		dev, store := testStore(t)
		require.NoError(t, store.Init(0))

		oldRec, err := store.Load()
		require.NoError(t, err)

		newRec := oldRec
		newRec.MarkTrial(1)

		// The commit mutates up to an entire sector erase plus the record
		// program; cut after the given number of mutated bytes.
		dev.PowerCutAfter(cut)
		err = store.Commit(newRec)
		dev.Restart()

		rec, loadErr := store.Load()
		require.NoError(t, loadErr, "cut at %d destroyed both copies", cut)

		switch rec.Status {
		case record.STATUS_CONFIRMED:
			require.Equal(t, oldRec.Generation, rec.Generation,
				"cut at %d yielded a mixed record", cut)
		case record.STATUS_TRIAL:
			// The new record fully landed; the commit itself may still have
			// reported a power cut during read-back.
			require.Equal(t, oldRec.Generation+1, rec.Generation,
				"cut at %d yielded a mixed record", cut)
			require.Equal(t, uint8(1), rec.PendingSlot)
		default:
			t.Fatalf("cut at %d yielded unexpected status 0x%02x",
				cut, rec.Status)
		}
		_ = err
	}
}

func TestStoreRejectsSingleCopyArea(t *testing.T) {
	dev := sim.NewFlash(testSectorSize, testSectorSize)
	area := flash.Area{
		Name:   flash.AREA_NAME_BOOT_RECORD,
		Offset: 0,
		Size:   testSectorSize,
	}

	_, err := record.NewStore(dev, area)
	require.Error(t, err)
}

func TestStoreRejectsUndersizedSectors(t *testing.T) {
	// A sector smaller than a record copy would make the rotating copies
	// overlap.
	dev := sim.NewFlash(64, 16)
	area := flash.Area{
		Name:   flash.AREA_NAME_BOOT_RECORD,
		Offset: 0,
		Size:   64,
	}

	_, err := record.NewStore(dev, area)
	require.Error(t, err)
}

func TestParseRecordRejectsCorruption(t *testing.T) {
	rec := record.NewRecord(0)
	data, err := rec.MarshalBinary()
	require.NoError(t, err)

	_, err = record.ParseRecord(data)
	require.NoError(t, err)

	for i := 0; i < len(data); i++ {
		mangled := make([]byte, len(data))
		copy(mangled, data)
		mangled[i] ^= 0x40

		_, err := record.ParseRecord(mangled)
		if err == nil {
			t.Fatalf("flipped bit at byte %d went undetected", i)
		}
	}

	_, err = record.ParseRecord(data[:record.RECORD_SIZE-1])
	require.Error(t, err)
}

func TestRecordHelpers(t *testing.T) {
	rec := record.NewRecord(0)

	rec.MarkTrial(1)
	require.Equal(t, uint8(record.STATUS_TRIAL), rec.Status)
	require.Equal(t, uint8(1), rec.PendingSlot)
	require.Equal(t, uint8(0), rec.ActiveSlot)

	rec.RequestRollback()
	require.Equal(t, uint8(record.STATUS_ROLLBACK_REQUESTED), rec.Status)

	rec.MarkConfirmed(1)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), rec.Status)
	require.Equal(t, uint8(1), rec.ActiveSlot)
	require.Equal(t, uint8(record.SLOT_NONE), rec.PendingSlot)
	require.Equal(t, uint8(0), rec.TrialCount)
}

func TestStoreBothCopiesCorrupt(t *testing.T) {
	dev, store := testStore(t)
	require.NoError(t, store.Init(0))

	// Clearing bits in both copies without erasing breaks both checksums.
	require.NoError(t, dev.Program(1, []byte{0x00}))
	require.NoError(t, dev.Program(testSectorSize+1, []byte{0x00}))

	_, err := store.Load()
	require.True(t, errors.Is(err, record.ErrRecordCorrupt))
}
