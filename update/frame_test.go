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

package update_test

import (
	"testing"

	"github.com/mkuyper/nanoloader/update"
)

func TestFrameRoundTrip(t *testing.T) {
	pkt, err := update.EncodeFrame(update.FRAME_HELLO, update.FRAME_F_LZ4,
		42, &update.HelloReq{ImageSize: 4096, WireSize: 4096, Token: 0xbeef,
			DigestType: 0x10})
	if err != nil {
		t.Fatalf("encode: %s", err.Error())
	}

	f, err := update.DecodeFrame(pkt)
	if err != nil {
		t.Fatalf("decode: %s", err.Error())
	}
	if f.Kind != update.FRAME_HELLO || f.Flags != update.FRAME_F_LZ4 ||
		f.Seq != 42 {
		t.Fatalf("header mangled: kind=%d flags=%d seq=%d",
			f.Kind, f.Flags, f.Seq)
	}

	var req update.HelloReq
	if err := f.Decode(&req); err != nil {
		t.Fatalf("body decode: %s", err.Error())
	}
	if req.Token != 0xbeef || req.ImageSize != 4096 {
		t.Fatalf("body mangled: %+v", req)
	}
}

func TestFrameCrcDetectsCorruption(t *testing.T) {
	pkt, err := update.EncodeFrame(update.FRAME_DATA, 0, 7,
		&update.DataReq{Chunk: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("encode: %s", err.Error())
	}

	for i := range pkt {
		bad := make([]byte, len(pkt))
		copy(bad, pkt)
		bad[i] ^= 0x40

		if _, err := update.DecodeFrame(bad); err == nil {
			t.Fatalf("corruption at byte %d not detected", i)
		}
	}
}

func TestFrameTruncated(t *testing.T) {
	pkt, err := update.EncodeFrame(update.FRAME_ACK, 0, 1,
		&update.AckRsp{Off: 512})
	if err != nil {
		t.Fatalf("encode: %s", err.Error())
	}

	for n := 0; n < len(pkt); n++ {
		if _, err := update.DecodeFrame(pkt[:n]); err == nil {
			t.Fatalf("truncation to %d bytes not detected", n)
		}
	}
}
