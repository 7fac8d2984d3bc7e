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

package boot_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkuyper/nanoloader/boot"
	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/image"
	"github.com/mkuyper/nanoloader/record"
	"github.com/mkuyper/nanoloader/sim"
)

const (
	bootSectorSize = 1024
	bootSlotSize   = 16 * 1024
)

type bootFixture struct {
	dev   *sim.Flash
	store *record.Store
	slots []flash.Area
}

func newBootFixture(t *testing.T) *bootFixture {
	t.Helper()

	dev := sim.NewFlash(2*bootSectorSize+2*bootSlotSize, bootSectorSize)

	recArea := flash.Area{
		Name:   flash.AREA_NAME_BOOT_RECORD,
		Id:     -1,
		Offset: 0,
		Size:   2 * bootSectorSize,
	}
	slots := []flash.Area{
		{
			Name:   flash.AREA_NAME_SLOT_0,
			Id:     0,
			Offset: recArea.Size,
			Size:   bootSlotSize,
		},
		{
			Name:   flash.AREA_NAME_SLOT_1,
			Id:     1,
			Offset: recArea.Size + bootSlotSize,
			Size:   bootSlotSize,
		},
	}

	store, err := record.NewStore(dev, recArea)
	require.NoError(t, err)
	require.NoError(t, store.Init(0))

	return &bootFixture{dev: dev, store: store, slots: slots}
}

func (f *bootFixture) install(t *testing.T, slot int, vers string,
	fill byte) {

	t.Helper()

	ver, err := image.ParseVersion(vers)
	require.NoError(t, err)

	b := &image.Builder{
		Payload:    bytes.Repeat([]byte{fill}, 4096),
		Version:    ver,
		DigestType: image.DIGEST_SHA256,
	}
	img, err := b.Bytes()
	require.NoError(t, err)
	require.NoError(t, image.Install(f.dev, f.slots[slot], img))
}

func (f *bootFixture) selector(t *testing.T, cfg boot.Config) *boot.Selector {
	t.Helper()

	if cfg.TrialMax == 0 {
		cfg.TrialMax = 3
	}
	sel, err := boot.NewSelector(f.dev, f.store, f.slots, cfg)
	require.NoError(t, err)
	return sel
}

func (f *bootFixture) mustLoad(t *testing.T) record.Record {
	t.Helper()

	rec, err := f.store.Load()
	require.NoError(t, err)
	return rec
}

func TestEvaluateConfirmedActive(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)

	d, err := f.selector(t, boot.Config{}).Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_ACTIVE, d.Kind)
	require.Equal(t, uint8(0), d.Slot)
	require.Equal(t, "1.0.0", d.Image.Version.String())
}

func TestEvaluateTrialBootsPending(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)
	f.install(t, 1, "2.0.0", 0x5a)

	rec := f.mustLoad(t)
	rec.MarkTrial(1)
	require.NoError(t, f.store.Commit(rec))

	sel := f.selector(t, boot.Config{})
	d, err := sel.Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_PENDING, d.Kind)
	require.Equal(t, uint8(1), d.Slot)

	// The trial attempt is spent before the jump, and slot 0 stays the
	// fallback until an explicit confirm.
	rec = f.mustLoad(t)
	require.Equal(t, uint8(record.STATUS_TRIAL), rec.Status)
	require.Equal(t, uint8(1), rec.TrialCount)
	require.Equal(t, uint8(0), rec.ActiveSlot)
}

func TestEvaluateTrialRollsBackAtLimit(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)
	f.install(t, 1, "2.0.0", 0x5a)

	rec := f.mustLoad(t)
	rec.MarkTrial(1)
	require.NoError(t, f.store.Commit(rec))

	sel := f.selector(t, boot.Config{TrialMax: 2})

	// Two resets without a confirm burn the trial budget.
	for i := 0; i < 2; i++ {
		d, err := sel.Evaluate()
		require.NoError(t, err)
		require.Equal(t, boot.DECISION_BOOT_PENDING, d.Kind)
	}

	// Third reset rolls back to the confirmed slot.
	d, err := sel.Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_ACTIVE, d.Kind)
	require.Equal(t, uint8(0), d.Slot)
	require.Equal(t, "1.0.0", d.Image.Version.String())

	rec = f.mustLoad(t)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), rec.Status)
	require.Equal(t, uint8(0), rec.ActiveSlot)
	require.Equal(t, uint8(record.SLOT_NONE), rec.PendingSlot)
}

func TestEvaluateTrialConfirmStopsCounting(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)
	f.install(t, 1, "2.0.0", 0x5a)

	rec := f.mustLoad(t)
	rec.MarkTrial(1)
	require.NoError(t, f.store.Commit(rec))

	sel := f.selector(t, boot.Config{TrialMax: 2})

	d, err := sel.Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_PENDING, d.Kind)

	// The application comes up healthy and confirms.
	require.NoError(t, sel.ConfirmRunning())

	rec = f.mustLoad(t)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), rec.Status)
	require.Equal(t, uint8(1), rec.ActiveSlot)

	// From here on slot 1 is the confirmed image, forever.
	for i := 0; i < 5; i++ {
		d, err = sel.Evaluate()
		require.NoError(t, err)
		require.Equal(t, boot.DECISION_BOOT_ACTIVE, d.Kind)
		require.Equal(t, uint8(1), d.Slot)
	}
}

func TestEvaluateAutoConfirm(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)
	f.install(t, 1, "2.0.0", 0x5a)

	rec := f.mustLoad(t)
	rec.MarkTrial(1)
	require.NoError(t, f.store.Commit(rec))

	sel := f.selector(t, boot.Config{AutoConfirm: true})
	d, err := sel.Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_PENDING, d.Kind)
	require.Equal(t, uint8(1), d.Slot)

	rec = f.mustLoad(t)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), rec.Status)
	require.Equal(t, uint8(1), rec.ActiveSlot)
}

func TestEvaluateTrialInvalidImageReverts(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)
	// Slot 1 holds garbage, not an image.

	rec := f.mustLoad(t)
	rec.MarkTrial(1)
	require.NoError(t, f.store.Commit(rec))

	d, err := f.selector(t, boot.Config{}).Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_ACTIVE, d.Kind)
	require.Equal(t, uint8(0), d.Slot)

	// No further trials for an image that failed validation outright.
	rec = f.mustLoad(t)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), rec.Status)
}

func TestEvaluateRollbackRequested(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)
	f.install(t, 1, "2.0.0", 0x5a)

	rec := f.mustLoad(t)
	rec.MarkTrial(1)
	rec.RequestRollback()
	require.NoError(t, f.store.Commit(rec))

	d, err := f.selector(t, boot.Config{}).Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_ACTIVE, d.Kind)
	require.Equal(t, uint8(0), d.Slot)
	require.Equal(t, "1.0.0", d.Image.Version.String())
}

func TestEvaluateTrialUnusableSlot(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)

	rec := f.mustLoad(t)
	rec.MarkTrial(7) // No such slot.
	require.NoError(t, f.store.Commit(rec))

	d, err := f.selector(t, boot.Config{}).Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_BOOT_ACTIVE, d.Kind)
	require.Equal(t, uint8(0), d.Slot)
}

func TestEvaluateRecoverScan(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 1, "2.1.0", 0x5a)
	// Slot 0 is confirmed but holds nothing bootable.

	d, err := f.selector(t, boot.Config{}).Evaluate()
	require.NoError(t, err)
	require.Equal(t, boot.DECISION_RECOVERED, d.Kind)
	require.Equal(t, uint8(1), d.Slot)
	require.Equal(t, "2.1.0", d.Image.Version.String())

	// Recovery is durable: the record now names slot 1 as active.
	rec := f.mustLoad(t)
	require.Equal(t, uint8(record.STATUS_CONFIRMED), rec.Status)
	require.Equal(t, uint8(1), rec.ActiveSlot)
}

func TestEvaluateNothingBootable(t *testing.T) {
	f := newBootFixture(t)

	_, err := f.selector(t, boot.Config{}).Evaluate()
	require.ErrorIs(t, err, boot.ErrNoBootableImage)
}

func TestEvaluateCorruptRecordIsFatal(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)

	// Wipe both record copies.
	require.NoError(t, f.dev.Erase(0))
	require.NoError(t, f.dev.Erase(bootSectorSize))

	_, err := f.selector(t, boot.Config{}).Evaluate()
	require.ErrorIs(t, err, record.ErrRecordCorrupt)
}

func TestConfirmRunningOutsideTrial(t *testing.T) {
	f := newBootFixture(t)
	f.install(t, 0, "1.0.0", 0xa5)

	sel := f.selector(t, boot.Config{})
	before := f.mustLoad(t)

	require.NoError(t, sel.ConfirmRunning())

	after := f.mustLoad(t)
	require.Equal(t, before.Generation, after.Generation)
}
