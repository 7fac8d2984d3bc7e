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

package update

import (
	"context"
	"crypto/ed25519"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mkuyper/nanoloader/commit"
	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/image"
	"github.com/mkuyper/nanoloader/record"
	"github.com/mkuyper/nanoloader/transport"
	"github.com/mkuyper/nanoloader/util"
)

const (
	defaultWindow  = 4
	defaultTimeout = 5 * time.Second
)

/*
 * Terminal receiver outcomes.
 */
const (
	RESULT_COMMITTED = iota
	RESULT_ABORTED
)

// Receiver accepts an incoming image over the transport, stages it through
// the commit coordinator, and on success asks for the boot record to be
// pointed at the staged slot in trial status.  It suspends only between
// frames; every flash operation runs to completion before the next event is
// processed.
type Receiver struct {
	conn  transport.Conn
	co    *commit.Coordinator
	dev   flash.Device
	rec   *record.Store
	vopts image.ValidateOpts

	stagingSlot uint8
	timeout     time.Duration
	window      int

	sess *Session
}

type ReceiverOption func(r *Receiver)

// WithTimeout sets the per-frame receive timeout.
func WithTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.timeout = d
	}
}

// WithWindow sets the reorder window in frames.
func WithWindow(n int) ReceiverOption {
	return func(r *Receiver) {
		r.window = n
	}
}

// WithSigKey configures the signature verification key used during the
// finalize validation pass.
func WithSigKey(key ed25519.PublicKey) ReceiverOption {
	return func(r *Receiver) {
		r.vopts.SigKey = key
	}
}

func NewReceiver(conn transport.Conn, co *commit.Coordinator,
	dev flash.Device, recStore *record.Store, stagingSlot uint8,
	opts ...ReceiverOption) *Receiver {

	r := &Receiver{
		conn:        conn,
		co:          co,
		dev:         dev,
		rec:         recStore,
		stagingSlot: stagingSlot,
		timeout:     defaultTimeout,
		window:      defaultWindow,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.sess = NewSession(co.Area().Size, r.window)
	return r
}

// Run drives the session until it commits or aborts.  An abort never leaves
// the system worse off: staging contents may be garbage, but the boot record
// still names the confirmed image.
func (r *Receiver) Run(ctx context.Context) (int, error) {
	for {
		ev := r.nextEvent(ctx)
		if err := r.dispatch(r.sess.Step(ev)); err != nil {
			r.sess.State = STATE_ABORTED
			r.sendNack(NACK_INTERNAL)
			return RESULT_ABORTED, err
		}

		switch r.sess.State {
		case STATE_COMMITTED:
			return RESULT_COMMITTED, nil
		case STATE_ABORTED:
			log.Debugf("update session aborted (staged 0x%x of 0x%x bytes)",
				r.sess.BytesStaged, r.sess.ImageSize)
			return RESULT_ABORTED, nil
		}
	}
}

func (r *Receiver) nextEvent(ctx context.Context) Event {
	type recvResult struct {
		pkt []byte
		err error
	}

	// The transport read itself cannot be interrupted; cancellation is
	// observed between frames.
	ch := make(chan recvResult, 1)
	go func() {
		pkt, err := r.conn.Recv(r.timeout)
		ch <- recvResult{pkt, err}
	}()

	var res recvResult
	select {
	case <-ctx.Done():
		return Event{Err: ctx.Err()}
	case res = <-ch:
	}

	if res.err == transport.ErrTimeout {
		return Event{Timeout: true}
	}
	if res.err != nil {
		return Event{Err: res.err}
	}

	f, err := DecodeFrame(res.pkt)
	if err != nil {
		// Corrupt frame: report and drop without advancing the session.
		log.Debugf("dropping frame: %s", err.Error())
		r.sendNack(NACK_BAD_CRC)
		return Event{Timeout: false, Frame: nil, Err: nil}
	}

	log.Debugf("rx %s seq=%d len=%d",
		FrameKindName(f.Kind), f.Seq, len(f.Body))
	return Event{Frame: f}
}

func (r *Receiver) dispatch(actions []Action) error {
	for _, a := range actions {
		switch a.Kind {
		case ACTION_SEND:
			pkt, err := EncodeFrame(a.FrameKind, a.FrameFlags, a.FrameSeq,
				a.FrameBody)
			if err != nil {
				return err
			}
			log.Debugf("tx %s seq=%d",
				FrameKindName(a.FrameKind), a.FrameSeq)
			if err := r.conn.Send(pkt); err != nil {
				return err
			}

		case ACTION_RESET:
			r.co.Reset()

		case ACTION_STAGE:
			if err := r.co.StageWrite(a.Off, a.Data); err != nil {
				return err
			}

		case ACTION_FINALIZE:
			if err := r.finalize(); err != nil {
				return err
			}

		default:
			return util.FmtBootError("unknown session action %d", a.Kind)
		}
	}

	return nil
}

// finalize runs the second, independent integrity check through the image
// validator and, only if it also approves, transitions the boot record to
// trial status.  The running-hash check has already passed in the session.
func (r *Receiver) finalize() error {
	if err := r.co.Flush(); err != nil {
		return err
	}

	vi, err := image.Validate(r.dev, r.co.Area(), r.vopts)
	if err != nil {
		log.Debugf("staged image rejected by validator: %s", err.Error())
		r.sess.State = STATE_ABORTED
		r.sendNack(NACK_DIGEST)
		return nil
	}

	rec, err := r.rec.Load()
	if err != nil {
		return err
	}
	rec.MarkTrial(r.stagingSlot)
	if err := r.co.CommitRecord(rec); err != nil {
		return err
	}

	r.sess.State = STATE_COMMITTED
	log.Infof("update committed: version=%s size=0x%x slot=%d (trial)",
		vi.Version.String(), vi.Size, r.stagingSlot)

	pkt, err := EncodeFrame(FRAME_DONE, 0, r.sess.LastAcked, &DoneRsp{
		Off: uint32(r.sess.BytesStaged),
	})
	if err != nil {
		return err
	}
	return r.conn.Send(pkt)
}

func (r *Receiver) sendNack(rc uint8) {
	pkt, err := EncodeFrame(FRAME_NACK, 0, 0, &NackRsp{Rc: rc})
	if err == nil {
		r.conn.Send(pkt)
	}
}
