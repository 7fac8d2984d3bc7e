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
	"time"

	"github.com/pierrec/lz4/v4"
	log "github.com/sirupsen/logrus"

	"github.com/mkuyper/nanoloader/image"
	"github.com/mkuyper/nanoloader/transport"
	"github.com/mkuyper/nanoloader/util"
)

// PushOpts configures a peer-side transfer.  This is the sending half of
// the wire protocol, used by the simulator and the protocol tests; on real
// deployments the host tooling speaks the same frames.
type PushOpts struct {
	Token      uint32
	ChunkSize  int
	DigestType uint8
	Compress   bool
	Timeout    time.Duration
}

// Push drives a complete transfer of img (payload plus footer) to a
// receiver on the other end of conn.  Returns once the receiver reports
// Done, or with an error on the first Nack or timeout.
func Push(conn transport.Conn, img []byte, opts PushOpts) error {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 512
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.DigestType == 0 {
		opts.DigestType = image.DIGEST_SHA256
	}

	chunks, wireSize, err := chunkImage(img, opts)
	if err != nil {
		return err
	}

	var flags uint8
	if opts.Compress {
		flags |= FRAME_F_LZ4
	}
	hello, err := EncodeFrame(FRAME_HELLO, flags, 0, &HelloReq{
		ImageSize:  uint32(len(img)),
		WireSize:   uint32(wireSize),
		Token:      opts.Token,
		DigestType: opts.DigestType,
	})
	if err != nil {
		return err
	}
	if err := conn.Send(hello); err != nil {
		return err
	}
	if err := awaitAck(conn, 0, opts.Timeout); err != nil {
		return err
	}

	for i, chunk := range chunks {
		seq := uint32(i + 1)
		pkt, err := EncodeFrame(FRAME_DATA, 0, seq, &DataReq{Chunk: chunk})
		if err != nil {
			return err
		}
		if err := conn.Send(pkt); err != nil {
			return err
		}

		last := i == len(chunks)-1
		if last {
			return awaitDone(conn, opts.Timeout)
		}
		if err := awaitAck(conn, seq, opts.Timeout); err != nil {
			return err
		}
	}

	return util.NewBootError("image has no data chunks")
}

func chunkImage(img []byte, opts PushOpts) ([][]byte, int, error) {
	var chunks [][]byte
	wireSize := 0

	for off := 0; off < len(img); off += opts.ChunkSize {
		end := util.Min(off+opts.ChunkSize, len(img))
		chunk := img[off:end]

		if opts.Compress {
			dst := make([]byte, lz4.CompressBlockBound(len(chunk)))
			var c lz4.Compressor
			n, err := c.CompressBlock(chunk, dst)
			if err != nil {
				return nil, 0, util.ChildBootError(err)
			}
			if n == 0 {
				// Incompressible chunk; LZ4 block framing cannot express a
				// stored block here, so fall back for the whole transfer.
				return nil, 0, util.NewBootError(
					"chunk is incompressible; send uncompressed")
			}
			chunk = dst[:n]
		}

		chunks = append(chunks, chunk)
		wireSize += len(chunk)
	}

	return chunks, wireSize, nil
}

func awaitAck(conn transport.Conn, seq uint32, timeout time.Duration) error {
	for {
		pkt, err := conn.Recv(timeout)
		if err != nil {
			return err
		}
		f, err := DecodeFrame(pkt)
		if err != nil {
			log.Debugf("peer: dropping frame: %s", err.Error())
			continue
		}

		switch f.Kind {
		case FRAME_ACK:
			if f.Seq == seq {
				return nil
			}
			// Cumulative ack for an earlier sequence; keep waiting.
		case FRAME_NACK:
			var rsp NackRsp
			f.Decode(&rsp)
			return util.FmtBootError("peer: nack seq=%d rc=%d", f.Seq, rsp.Rc)
		default:
			return util.FmtBootError("peer: unexpected %s frame",
				FrameKindName(f.Kind))
		}
	}
}

func awaitDone(conn transport.Conn, timeout time.Duration) error {
	for {
		pkt, err := conn.Recv(timeout)
		if err != nil {
			return err
		}
		f, err := DecodeFrame(pkt)
		if err != nil {
			log.Debugf("peer: dropping frame: %s", err.Error())
			continue
		}

		switch f.Kind {
		case FRAME_ACK:
			// Progress ack; the Done frame follows finalization.
		case FRAME_DONE:
			return nil
		case FRAME_NACK:
			var rsp NackRsp
			f.Decode(&rsp)
			return util.FmtBootError("peer: transfer rejected, rc=%d", rsp.Rc)
		default:
			return util.FmtBootError("peer: unexpected %s frame",
				FrameKindName(f.Kind))
		}
	}
}
