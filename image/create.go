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

package image

import (
	"crypto/ed25519"
	"io"
	"os"

	"github.com/mkuyper/nanoloader/flash"
	"github.com/mkuyper/nanoloader/util"
)

// Builder assembles a firmware image (payload plus footer) for tests and the
// mkimage tool.  The staged update path never uses it; an update arrives
// fully formed over the wire.
type Builder struct {
	Payload    []byte
	Version    Version
	EntryOff   uint32
	DigestType uint8
	SigKey     ed25519.PrivateKey /* nil: plain image */
}

func (b *Builder) Footer() (Footer, error) {
	ftr := Footer{
		Magic:      FOOTER_MAGIC,
		ImgSz:      uint32(len(b.Payload)),
		Vers:       b.Version,
		EntryOff:   b.EntryOff,
		ImgType:    IMAGE_TYPE_PLAIN,
		DigestType: b.DigestType,
	}

	h, err := NewDigest(b.DigestType)
	if err != nil {
		return ftr, err
	}
	h.Write(b.Payload)
	digest := h.Sum(nil)
	copy(ftr.Digest[:], digest)

	if b.SigKey != nil {
		ftr.ImgType = IMAGE_TYPE_SIGNED
		copy(ftr.Sig[:], ed25519.Sign(b.SigKey, digest))
	}

	return ftr, nil
}

// Bytes returns the wire form of the image: payload immediately followed by
// the footer.
func (b *Builder) Bytes() ([]byte, error) {
	ftr, err := b.Footer()
	if err != nil {
		return nil, err
	}

	ftrData, err := ftr.MarshalBinary()
	if err != nil {
		return nil, err
	}

	img := make([]byte, 0, len(b.Payload)+FOOTER_SIZE)
	img = append(img, b.Payload...)
	img = append(img, ftrData...)

	return img, nil
}

func (b *Builder) Write(w io.Writer) (int, error) {
	img, err := b.Bytes()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(img)
	if err != nil {
		return n, util.ChildBootError(err)
	}

	return n, nil
}

func (b *Builder) WriteToFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return util.ChildBootError(err)
	}
	defer f.Close()

	if _, err := b.Write(f); err != nil {
		return err
	}

	return nil
}

// Install programs a fully formed image into a slot: payload at the slot
// start, footer in the slot's final bytes.  Used to provision factory images
// in tests and simulations; staged updates go through the commit
// coordinator instead.
func Install(dev flash.Device, slot flash.Area, img []byte) error {
	if len(img) < FOOTER_SIZE || len(img) > slot.Size {
		return util.FmtBootError("image size 0x%x does not fit slot %s",
			len(img), slot.String())
	}

	for off := 0; off < slot.Size; off += dev.SectorSize() {
		if err := dev.Erase(slot.Offset + off); err != nil {
			return util.ChildBootError(err)
		}
	}

	payload := img[:len(img)-FOOTER_SIZE]
	ftrData := img[len(img)-FOOTER_SIZE:]

	if err := dev.Program(slot.Offset, payload); err != nil {
		return util.ChildBootError(err)
	}
	if err := dev.Program(slot.End()-FOOTER_SIZE, ftrData); err != nil {
		return util.ChildBootError(err)
	}

	return nil
}
