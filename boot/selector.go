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

package boot

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/image"
	"github.com/mkuyper/nanoloader/record"
	"github.com/mkuyper/nanoloader/util"
)

// ErrNoBootableImage is the terminal failure of the recover scan: no slot on
// the device validates.  The caller halts with a diagnostic; there is
// nothing safe to execute.
var ErrNoBootableImage = util.NewBootError("no slot holds a valid image")

/*
 * Decision kinds.
 */
const (
	DECISION_BOOT_ACTIVE = iota
	DECISION_BOOT_PENDING
	DECISION_RECOVERED
)

var decisionNameMap = map[int]string{
	DECISION_BOOT_ACTIVE:  "boot-active",
	DECISION_BOOT_PENDING: "boot-pending",
	DECISION_RECOVERED:    "recovered",
}

// Decision names the image the selector approved for execution in this
// reset cycle.  Image is always freshly validated; approvals never carry
// over from a previous reset.
type Decision struct {
	Kind  int
	Slot  uint8
	Area  flash.Area
	Image *image.ValidImage
}

func (d *Decision) String() string {
	return fmt.Sprintf("%s slot=%d version=%s entry=0x%x",
		decisionNameMap[d.Kind], d.Slot, d.Image.Version.String(),
		d.Image.EntryPoint)
}

// Config controls trial accounting.  AutoConfirm selects the time-boxed
// implicit confirm variant: a trial image that validates is confirmed
// immediately on first boot, instead of waiting for the application to call
// ConfirmRunning.
type Config struct {
	TrialMax    uint8
	AutoConfirm bool
	Vopts       image.ValidateOpts
}

// Selector decides, once per reset, which slot to execute.  It owns the
// active-slot choice exclusively; it never mutates slot contents.
type Selector struct {
	dev   flash.Device
	store *record.Store
	slots []flash.Area /* Indexed by slot id; also the recover priority. */
	cfg   Config
}

func NewSelector(dev flash.Device, store *record.Store, slots []flash.Area,
	cfg Config) (*Selector, error) {

	if len(slots) < 2 {
		return nil, util.FmtBootError("need at least 2 slots, have %d",
			len(slots))
	}
	if cfg.TrialMax == 0 {
		return nil, util.NewBootError("trial maximum must be at least 1")
	}
	if err := flash.CheckAreas(dev, slots); err != nil {
		return nil, err
	}

	return &Selector{
		dev:   dev,
		store: store,
		slots: slots,
		cfg:   cfg,
	}, nil
}

func (s *Selector) slotArea(id uint8) (flash.Area, bool) {
	if int(id) >= len(s.slots) {
		return flash.Area{}, false
	}
	return s.slots[id], true
}

// Evaluate runs the boot decision for this reset cycle.  A
// record.ErrRecordCorrupt return is fatal: with no valid record there is no
// safe choice and the device must halt with a diagnostic.
func (s *Selector) Evaluate() (*Decision, error) {
	rec, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	log.Debugf("evaluating boot record: %s", rec.String())

	switch rec.Status {
	case record.STATUS_TRIAL:
		if d, err := s.evaluateTrial(&rec); d != nil || err != nil {
			return d, err
		}
		// Trial abandoned; rec now names the confirmed fallback.

	case record.STATUS_ROLLBACK_REQUESTED:
		log.Infof("rollback requested; abandoning trial of slot %d",
			rec.PendingSlot)
		rec.MarkConfirmed(rec.ActiveSlot)
		if err := s.store.Commit(rec); err != nil {
			return nil, err
		}
	}

	return s.evaluateConfirmed(&rec)
}

// evaluateTrial handles a pending update.  It returns (nil, nil) when the
// trial is abandoned and the confirmed image should boot instead; rec is
// updated in place to the committed fallback state.
func (s *Selector) evaluateTrial(rec *record.Record) (*Decision, error) {
	area, ok := s.slotArea(rec.PendingSlot)
	if !ok || rec.PendingSlot == rec.ActiveSlot {
		log.Warnf("trial record names unusable slot %d; reverting",
			rec.PendingSlot)
		rec.MarkConfirmed(rec.ActiveSlot)
		return nil, s.store.Commit(*rec)
	}

	if rec.TrialCount >= s.cfg.TrialMax {
		// Automatic rollback: the trial image had its chances.
		log.Warnf("trial of slot %d failed to confirm after %d boots; "+
			"rolling back to slot %d",
			rec.PendingSlot, rec.TrialCount, rec.ActiveSlot)
		rec.MarkConfirmed(rec.ActiveSlot)
		return nil, s.store.Commit(*rec)
	}

	// Spend the trial attempt before jumping: if the image wedges the
	// device, the next reset sees the incremented count.
	rec.TrialCount++
	if err := s.store.Commit(*rec); err != nil {
		return nil, err
	}

	vi, err := image.Validate(s.dev, area, s.cfg.Vopts)
	if err != nil {
		// An invalid image gets no further trials.
		log.Warnf("trial image in slot %d invalid, reverting: %s",
			rec.PendingSlot, err.Error())
		rec.MarkConfirmed(rec.ActiveSlot)
		return nil, s.store.Commit(*rec)
	}

	slot := rec.PendingSlot
	if s.cfg.AutoConfirm {
		rec.MarkConfirmed(slot)
		if err := s.store.Commit(*rec); err != nil {
			return nil, err
		}
	}

	return &Decision{
		Kind:  DECISION_BOOT_PENDING,
		Slot:  slot,
		Area:  area,
		Image: vi,
	}, nil
}

func (s *Selector) evaluateConfirmed(rec *record.Record) (*Decision, error) {
	area, ok := s.slotArea(rec.ActiveSlot)
	if ok {
		vi, err := image.Validate(s.dev, area, s.cfg.Vopts)
		if err == nil {
			return &Decision{
				Kind:  DECISION_BOOT_ACTIVE,
				Slot:  rec.ActiveSlot,
				Area:  area,
				Image: vi,
			}, nil
		}
		log.Errorf("confirmed slot %d no longer validates: %s",
			rec.ActiveSlot, err.Error())
	}

	return s.recover(rec)
}

// recover scans every other slot in fixed priority order and boots the
// first one that validates.  Reached only when the last known-good slot has
// rotted on flash.
func (s *Selector) recover(rec *record.Record) (*Decision, error) {
	for id := 0; id < len(s.slots); id++ {
		if uint8(id) == rec.ActiveSlot {
			continue
		}

		vi, err := image.Validate(s.dev, s.slots[id], s.cfg.Vopts)
		if err != nil {
			log.Debugf("recover: slot %d rejected: %s", id, err.Error())
			continue
		}

		log.Warnf("recovered: slot %d validates, promoting to active", id)
		rec.MarkConfirmed(uint8(id))
		if err := s.store.Commit(*rec); err != nil {
			return nil, err
		}

		return &Decision{
			Kind:  DECISION_RECOVERED,
			Slot:  uint8(id),
			Area:  s.slots[id],
			Image: vi,
		}, nil
	}

	return nil, ErrNoBootableImage
}

// ConfirmRunning marks the currently booting trial image as healthy.  With
// the explicit confirm policy the running application calls this once it
// considers itself functional; until then every reset costs a trial.
func (s *Selector) ConfirmRunning() error {
	rec, err := s.store.Load()
	if err != nil {
		return err
	}

	if rec.Status != record.STATUS_TRIAL {
		return nil
	}

	log.Infof("trial of slot %d confirmed", rec.PendingSlot)
	rec.MarkConfirmed(rec.PendingSlot)
	return s.store.Commit(rec)
}
