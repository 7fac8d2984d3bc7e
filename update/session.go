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
	"bytes"
	"hash"

	"github.com/pierrec/lz4/v4"

	"github.com/mkuyper/nanoloader/image"
)

/*
 * Session states.
 */
const (
	STATE_IDLE = iota
	STATE_NEGOTIATING
	STATE_RECEIVING
	STATE_FINALIZING
	STATE_COMMITTED
	STATE_ABORTED
)

var stateNameMap = map[int]string{
	STATE_IDLE:        "idle",
	STATE_NEGOTIATING: "negotiating",
	STATE_RECEIVING:   "receiving",
	STATE_FINALIZING:  "finalizing",
	STATE_COMMITTED:   "committed",
	STATE_ABORTED:     "aborted",
}

func StateName(state int) string {
	name, ok := stateNameMap[state]
	if !ok {
		return "???"
	}

	return name
}

/*
 * Actions emitted by Step.  The session itself never touches flash or the
 * transport; the receiver interprets these against the real collaborators,
 * which is what makes the transfer logic testable without hardware.
 */
const (
	ACTION_SEND = iota
	ACTION_RESET
	ACTION_STAGE
	ACTION_FINALIZE
)

type Action struct {
	Kind int

	/* ACTION_SEND */
	FrameKind  uint8
	FrameFlags uint8
	FrameSeq   uint32
	FrameBody  interface{}

	/* ACTION_STAGE: area-relative offset. */
	Off  int
	Data []byte
}

func sendAction(kind uint8, seq uint32, body interface{}) Action {
	return Action{
		Kind:      ACTION_SEND,
		FrameKind: kind,
		FrameSeq:  seq,
		FrameBody: body,
	}
}

func nackAction(seq uint32, rc uint8) Action {
	return sendAction(FRAME_NACK, seq, &NackRsp{Rc: rc})
}

/*
 * Events driving the session: exactly one of Frame/Timeout/Err is set.
 */
type Event struct {
	Frame   *Frame
	Timeout bool
	Err     error
}

// Session is the transient per-transfer state.  It exists only while a
// transfer is in progress and is never persisted; the boot record is the
// sole cross-reset state.
type Session struct {
	State int

	Token      uint32
	ImageSize  int /* Payload plus footer, as staged. */
	WireSize   int /* Bytes carried by Data chunks. */
	DigestType uint8
	Compressed bool

	Capacity int /* Staging slot size; fixed at construction. */
	Window   int /* Reorder window in frames. */

	BytesStaged  int
	WireReceived int
	LastAcked    uint32

	digest  hash.Hash
	tail    []byte            /* Last FOOTER_SIZE staged bytes. */
	pending map[uint32][]byte /* Out-of-order chunks inside the window. */
}

func NewSession(capacity, window int) *Session {
	return &Session{
		State:    STATE_IDLE,
		Capacity: capacity,
		Window:   window,
	}
}

// payloadSize is the number of staged bytes covered by the footer digest.
func (s *Session) payloadSize() int {
	return s.ImageSize - image.FOOTER_SIZE
}

// Step advances the session by one event and returns the effects to apply.
// It is free of flash and transport side effects; all I/O is returned as
// actions, in order.
func (s *Session) Step(ev Event) []Action {
	if ev.Err != nil || ev.Timeout {
		return s.stepInterruption(ev)
	}
	if ev.Frame == nil {
		// Dropped frame (bad CRC); the session does not advance.
		return nil
	}

	f := ev.Frame
	switch f.Kind {
	case FRAME_HELLO:
		return s.stepHello(f)
	case FRAME_DATA:
		return s.stepData(f)
	case FRAME_ABORT:
		return s.stepAbort(f)
	default:
		return []Action{nackAction(f.Seq, NACK_BAD_STATE)}
	}
}

func (s *Session) stepInterruption(ev Event) []Action {
	switch s.State {
	case STATE_NEGOTIATING, STATE_RECEIVING, STATE_FINALIZING:
		// An interrupted transfer leaves staging as-is and the boot record
		// untouched; the device keeps booting its confirmed image.
		s.State = STATE_ABORTED
	}
	return nil
}

func (s *Session) stepAbort(f *Frame) []Action {
	if s.State == STATE_COMMITTED {
		return nil
	}
	s.State = STATE_ABORTED
	return []Action{sendAction(FRAME_ACK, f.Seq, &AckRsp{
		Off: uint32(s.BytesStaged),
	})}
}

func (s *Session) stepHello(f *Frame) []Action {
	if s.State != STATE_IDLE {
		return []Action{nackAction(f.Seq, NACK_BAD_STATE)}
	}

	var req HelloReq
	if err := f.Decode(&req); err != nil {
		return []Action{nackAction(f.Seq, NACK_BAD_CRC)}
	}

	if int(req.ImageSize) < image.FOOTER_SIZE+1 ||
		int(req.ImageSize) > s.Capacity || req.WireSize == 0 {

		// Reject and stay idle; nothing has been touched.
		return []Action{nackAction(f.Seq, NACK_SIZE)}
	}

	digest, err := image.NewDigest(req.DigestType)
	if err != nil {
		return []Action{nackAction(f.Seq, NACK_BAD_STATE)}
	}

	s.State = STATE_NEGOTIATING
	s.Token = req.Token
	s.ImageSize = int(req.ImageSize)
	s.WireSize = int(req.WireSize)
	s.DigestType = req.DigestType
	s.Compressed = f.Flags&FRAME_F_LZ4 != 0
	s.BytesStaged = 0
	s.WireReceived = 0
	s.LastAcked = 0
	s.digest = digest
	s.tail = nil
	s.pending = map[uint32][]byte{}

	return []Action{
		{Kind: ACTION_RESET},
		sendAction(FRAME_ACK, f.Seq, &AckRsp{Off: 0}),
	}
}

func (s *Session) stepData(f *Frame) []Action {
	if s.State != STATE_NEGOTIATING && s.State != STATE_RECEIVING {
		return []Action{nackAction(f.Seq, NACK_BAD_STATE)}
	}

	var req DataReq
	if err := f.Decode(&req); err != nil {
		return []Action{nackAction(f.Seq, NACK_BAD_CRC)}
	}

	switch {
	case f.Seq == 0 || f.Seq <= s.LastAcked:
		// Duplicate of an already-staged chunk: acknowledge again without
		// rewriting flash.
		return []Action{sendAction(FRAME_ACK, f.Seq, &AckRsp{
			Off: uint32(s.BytesStaged),
		})}

	case f.Seq > s.LastAcked+uint32(s.Window):
		// Too far ahead to hold; force retransmission.
		return []Action{nackAction(f.Seq, NACK_WINDOW)}

	case f.Seq > s.LastAcked+1:
		// Inside the reorder window: hold in RAM until the gap fills.
		s.pending[f.Seq] = req.Chunk
		return []Action{sendAction(FRAME_ACK, s.LastAcked, &AckRsp{
			Off: uint32(s.BytesStaged),
		})}
	}

	s.State = STATE_RECEIVING

	// In-order chunk; apply it, then drain any buffered successors.
	var actions []Action
	chunk := req.Chunk
	for {
		applied, acts := s.applyChunk(chunk)
		actions = append(actions, acts...)
		if !applied {
			return actions
		}
		s.LastAcked++
		delete(s.pending, s.LastAcked)

		if s.BytesStaged == s.ImageSize {
			return append(actions, s.stepFinalize()...)
		}

		next, ok := s.pending[s.LastAcked+1]
		if !ok {
			break
		}
		chunk = next
	}

	return append(actions, sendAction(FRAME_ACK, s.LastAcked, &AckRsp{
		Off: uint32(s.BytesStaged),
	}))
}

// applyChunk stages one in-order chunk: decompresses if negotiated, maps
// image offsets onto the staging slot (footer bytes land in the slot's final
// region), and folds payload bytes into the running digest.
func (s *Session) applyChunk(chunk []byte) (bool, []Action) {
	s.WireReceived += len(chunk)
	if s.WireReceived > s.WireSize {
		s.State = STATE_ABORTED
		return false, []Action{nackAction(s.LastAcked+1, NACK_SIZE)}
	}

	data := chunk
	if s.Compressed {
		dst := make([]byte, s.ImageSize-s.BytesStaged)
		n, err := lz4.UncompressBlock(chunk, dst)
		if err != nil {
			s.State = STATE_ABORTED
			return false, []Action{nackAction(s.LastAcked+1, NACK_DECOMPRESS)}
		}
		data = dst[:n]
	}

	if s.BytesStaged+len(data) > s.ImageSize {
		s.State = STATE_ABORTED
		return false, []Action{nackAction(s.LastAcked+1, NACK_SIZE)}
	}

	var actions []Action
	off := s.BytesStaged
	payloadSz := s.payloadSize()

	// Split at the payload/footer boundary; the footer is staged into the
	// slot's final FOOTER_SIZE bytes, where the validator expects it.
	if off < payloadSz {
		n := min(len(data), payloadSz-off)
		s.digest.Write(data[:n])
		actions = append(actions, Action{
			Kind: ACTION_STAGE,
			Off:  off,
			Data: data[:n],
		})
	}
	if end := off + len(data); end > payloadSz {
		start := max(off, payloadSz)
		ftrBase := s.Capacity - image.FOOTER_SIZE
		actions = append(actions, Action{
			Kind: ACTION_STAGE,
			Off:  ftrBase + (start - payloadSz),
			Data: data[start-off:],
		})
	}

	s.tail = append(s.tail, data...)
	if len(s.tail) > image.FOOTER_SIZE {
		s.tail = s.tail[len(s.tail)-image.FOOTER_SIZE:]
	}

	s.BytesStaged += len(data)
	return true, actions
}

// stepFinalize runs the checks that need no flash access: the staged footer
// (captured from the byte stream) must carry the negotiated digest type and
// its digest must match the running hash.  The independent validator pass
// and the boot record transition are the receiver's job, requested via
// ACTION_FINALIZE.
func (s *Session) stepFinalize() []Action {
	s.State = STATE_FINALIZING

	ftr, err := image.ParseFooter(s.tail)
	if err != nil || ftr.Magic != image.FOOTER_MAGIC ||
		ftr.DigestType != s.DigestType ||
		int(ftr.ImgSz) != s.payloadSize() {

		s.State = STATE_ABORTED
		return []Action{nackAction(s.LastAcked, NACK_DIGEST)}
	}

	digest := s.digest.Sum(nil)
	if !bytes.Equal(digest, ftr.Digest[:len(digest)]) {
		// Staging is left as unverified garbage; the boot record is never
		// pointed at it.
		s.State = STATE_ABORTED
		return []Action{nackAction(s.LastAcked, NACK_DIGEST)}
	}

	return []Action{{Kind: ACTION_FINALIZE}}
}
