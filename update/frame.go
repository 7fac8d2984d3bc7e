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
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/joaojeronimo/go-crc16"

	"github.com/mkuyper/nanoloader/util"
)

/*
 * Frame layout: an 8-byte big-endian header, a CBOR-encoded body, and a
 * trailing CRC-16 over header plus body.
 *
 *   kind (1) | flags (1) | body len (2) | seq (4) | body | crc (2)
 */
const (
	FRAME_HDR_SIZE = 8
	FRAME_CRC_SIZE = 2
)

/*
 * Frame kinds.
 */
const (
	FRAME_HELLO = 0x01
	FRAME_DATA  = 0x02
	FRAME_ACK   = 0x03
	FRAME_NACK  = 0x04
	FRAME_ABORT = 0x05
	FRAME_DONE  = 0x06
)

/*
 * Frame flags.
 */
const (
	FRAME_F_LZ4 = 0x01 /* Hello: data chunks are LZ4 block compressed. */
)

/*
 * Nack reasons.
 */
const (
	NACK_BAD_CRC    = 0x01
	NACK_BAD_STATE  = 0x02
	NACK_SIZE       = 0x03
	NACK_WINDOW     = 0x04
	NACK_DECOMPRESS = 0x05
	NACK_DIGEST     = 0x06
	NACK_INTERNAL   = 0x07
)

var frameKindNameMap = map[uint8]string{
	FRAME_HELLO: "hello",
	FRAME_DATA:  "data",
	FRAME_ACK:   "ack",
	FRAME_NACK:  "nack",
	FRAME_ABORT: "abort",
	FRAME_DONE:  "done",
}

func FrameKindName(kind uint8) string {
	name, ok := frameKindNameMap[kind]
	if !ok {
		return "???"
	}

	return name
}

type Frame struct {
	Kind  uint8
	Flags uint8
	Seq   uint32
	Body  []byte /* Raw CBOR. */
}

// HelloReq opens an update session.  ImageSize is the staged image size
// (payload plus footer); WireSize is the number of bytes that will travel in
// Data chunks, which differs from ImageSize only for compressed transfers.
type HelloReq struct {
	ImageSize  uint32 `cbor:"len"`
	WireSize   uint32 `cbor:"wlen"`
	Token      uint32 `cbor:"tok"`
	DigestType uint8  `cbor:"dig"`
}

type DataReq struct {
	Chunk []byte `cbor:"data"`
}

// AckRsp acknowledges the sequence number in the frame header; Off reports
// cumulative staged bytes so the peer can resume after reconnecting.
type AckRsp struct {
	Off uint32 `cbor:"off"`
}

type NackRsp struct {
	Rc uint8 `cbor:"rc"`
}

// DoneRsp reports successful finalization; sent only after both integrity
// checks passed and the boot record points at the staged image.
type DoneRsp struct {
	Off uint32 `cbor:"off"`
}

// EncodeFrame serializes a frame with an optional CBOR body.
func EncodeFrame(kind, flags uint8, seq uint32,
	body interface{}) ([]byte, error) {

	var bodyData []byte
	if body != nil {
		var err error
		bodyData, err = cbor.Marshal(body)
		if err != nil {
			return nil, util.ChildBootError(err)
		}
	}

	pkt := make([]byte, FRAME_HDR_SIZE, FRAME_HDR_SIZE+len(bodyData)+
		FRAME_CRC_SIZE)
	pkt[0] = kind
	pkt[1] = flags
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(bodyData)))
	binary.BigEndian.PutUint32(pkt[4:8], seq)
	pkt = append(pkt, bodyData...)

	crc := crc16.Crc16(pkt)
	pkt = append(pkt, byte(crc>>8), byte(crc))

	return pkt, nil
}

// DecodeFrame parses and CRC-checks a packet.  A frame that fails here never
// advances the session.
func DecodeFrame(pkt []byte) (*Frame, error) {
	if len(pkt) < FRAME_HDR_SIZE+FRAME_CRC_SIZE {
		return nil, util.FmtBootError(
			"frame too short: %d bytes", len(pkt))
	}

	if crc16.Crc16(pkt) != 0 {
		return nil, util.NewBootError("frame CRC error")
	}

	f := &Frame{
		Kind:  pkt[0],
		Flags: pkt[1],
		Seq:   binary.BigEndian.Uint32(pkt[4:8]),
	}

	bodyLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if FRAME_HDR_SIZE+bodyLen+FRAME_CRC_SIZE != len(pkt) {
		return nil, util.FmtBootError(
			"frame length mismatch: header says %d body bytes, packet has %d",
			bodyLen, len(pkt)-FRAME_HDR_SIZE-FRAME_CRC_SIZE)
	}
	f.Body = pkt[FRAME_HDR_SIZE : FRAME_HDR_SIZE+bodyLen]

	return f, nil
}

func (f *Frame) Decode(v interface{}) error {
	if err := cbor.Unmarshal(f.Body, v); err != nil {
		return util.FmtChildBootError(err, "invalid %s body: %s",
			FrameKindName(f.Kind), err.Error())
	}
	return nil
}
