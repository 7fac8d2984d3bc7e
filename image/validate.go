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
	"bytes"
	"crypto/ed25519"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mkuyper/nanoloader/flash"
)

/*
 * Validation failure reasons.
 */
const (
	REASON_FLASH_FAULT     = 0x01
	REASON_BAD_MAGIC       = 0x02
	REASON_SIZE_INVALID    = 0x03
	REASON_DIGEST_MISMATCH = 0x04
	REASON_BAD_SIGNATURE   = 0x05
	REASON_BAD_FOOTER      = 0x06
)

var reasonNameMap = map[int]string{
	REASON_FLASH_FAULT:     "flash fault",
	REASON_BAD_MAGIC:       "bad magic",
	REASON_SIZE_INVALID:    "size invalid",
	REASON_DIGEST_MISMATCH: "digest mismatch",
	REASON_BAD_SIGNATURE:   "bad signature",
	REASON_BAD_FOOTER:      "bad footer",
}

func ReasonName(reason int) string {
	name, ok := reasonNameMap[reason]
	if !ok {
		return "???"
	}

	return name
}

// InvalidError reports why a slot failed validation.  All validation
// failures, including unreadable flash, surface as this type; Validate never
// panics past its boundary.
type InvalidError struct {
	Slot   string
	Reason int
	Text   string
	Parent error
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("slot %s invalid (%s): %s",
		e.Slot, ReasonName(e.Reason), e.Text)
}

func (e *InvalidError) Unwrap() error {
	return e.Parent
}

func invalidf(slot flash.Area, reason int, parent error,
	format string, args ...interface{}) *InvalidError {

	return &InvalidError{
		Slot:   slot.Name,
		Reason: reason,
		Text:   fmt.Sprintf(format, args...),
		Parent: parent,
	}
}

// ValidImage is the approval record returned for a slot that passed all
// checks in the current reset cycle.
type ValidImage struct {
	Version    Version
	EntryPoint int /* Absolute device offset of the entry point. */
	Size       int
	Footer     Footer
}

// ValidateOpts carries the authenticity configuration.  A nil SigKey means
// signed images cannot be approved.
type ValidateOpts struct {
	SigKey ed25519.PublicKey
}

// Validate checks structural integrity and authenticity of the image in a
// slot.  It reads the footer from the slot's final FOOTER_SIZE bytes,
// recomputes the content digest over the declared payload, and for signed
// images verifies the footer signature over that digest.  Read-only; no
// mutation of any kind.
func Validate(dev flash.Device, slot flash.Area,
	opts ValidateOpts) (*ValidImage, error) {

	if slot.Size < FOOTER_SIZE {
		return nil, invalidf(slot, REASON_SIZE_INVALID, nil,
			"slot smaller than footer (0x%x bytes)", slot.Size)
	}

	ftrData := make([]byte, FOOTER_SIZE)
	if err := dev.Read(slot.End()-FOOTER_SIZE, ftrData); err != nil {
		return nil, invalidf(slot, REASON_FLASH_FAULT, err,
			"footer unreadable: %s", err.Error())
	}

	ftr, err := ParseFooter(ftrData)
	if err != nil {
		return nil, invalidf(slot, REASON_BAD_FOOTER, err, "%s", err.Error())
	}

	if ftr.Magic != FOOTER_MAGIC {
		return nil, invalidf(slot, REASON_BAD_MAGIC, nil,
			"expected 0x%08x, got 0x%08x", uint32(FOOTER_MAGIC), ftr.Magic)
	}

	imgSz := int(ftr.ImgSz)
	if imgSz == 0 || imgSz > slot.Size-FOOTER_SIZE {
		return nil, invalidf(slot, REASON_SIZE_INVALID, nil,
			"declared size 0x%x exceeds slot capacity 0x%x",
			imgSz, slot.Size-FOOTER_SIZE)
	}

	if int(ftr.EntryOff) >= imgSz {
		return nil, invalidf(slot, REASON_SIZE_INVALID, nil,
			"entry point offset 0x%x beyond payload", ftr.EntryOff)
	}

	h, err := NewDigest(ftr.DigestType)
	if err != nil {
		return nil, invalidf(slot, REASON_BAD_FOOTER, err, "%s", err.Error())
	}

	payload := make([]byte, imgSz)
	if err := dev.Read(slot.Offset, payload); err != nil {
		return nil, invalidf(slot, REASON_FLASH_FAULT, err,
			"payload unreadable: %s", err.Error())
	}
	h.Write(payload)

	digest := h.Sum(nil)
	if !bytes.Equal(digest, ftr.Digest[:len(digest)]) {
		return nil, invalidf(slot, REASON_DIGEST_MISMATCH, nil,
			"computed %x, footer has %x", digest, ftr.Digest[:len(digest)])
	}

	switch ftr.ImgType {
	case IMAGE_TYPE_PLAIN:
	case IMAGE_TYPE_SIGNED:
		if opts.SigKey == nil {
			return nil, invalidf(slot, REASON_BAD_SIGNATURE, nil,
				"image is signed but no verification key is configured")
		}
		if !ed25519.Verify(opts.SigKey, digest, ftr.Sig[:]) {
			return nil, invalidf(slot, REASON_BAD_SIGNATURE, nil,
				"signature does not verify")
		}
	default:
		return nil, invalidf(slot, REASON_BAD_FOOTER, nil,
			"unknown image type 0x%02x", ftr.ImgType)
	}

	log.Debugf("slot %s validated: version=%s size=0x%x digest=%s",
		slot.Name, ftr.Vers.String(), imgSz, DigestTypeName(ftr.DigestType))

	return &ValidImage{
		Version:    ftr.Vers,
		EntryPoint: slot.Offset + int(ftr.EntryOff),
		Size:       imgSz,
		Footer:     ftr,
	}, nil
}
