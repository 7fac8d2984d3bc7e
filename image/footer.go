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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mkuyper/nanoloader/util"
)

const (
	FOOTER_MAGIC = 0xb001fee7 /* Image footer magic */
	FOOTER_SIZE  = 128        /* Occupies the final bytes of a slot. */
)

/*
 * Image type tags.
 */
const (
	IMAGE_TYPE_PLAIN  = 0x01
	IMAGE_TYPE_SIGNED = 0x02
)

/*
 * Footer digest types.
 */
const (
	DIGEST_CRC32  = 0x01 /* CRC-32/ISO-HDLC */
	DIGEST_SHA256 = 0x10
	DIGEST_BLAKE3 = 0x11
)

var digestTypeNameMap = map[uint8]string{
	DIGEST_CRC32:  "CRC32",
	DIGEST_SHA256: "SHA256",
	DIGEST_BLAKE3: "BLAKE3",
}

type Version struct {
	Major    uint8
	Minor    uint8
	Rev      uint16
	BuildNum uint32
}

// Footer is the bit-exact trailing metadata record of a firmware image.  It
// occupies the final FOOTER_SIZE bytes of a slot and is serialized
// little-endian.  Fields are only trustworthy after digest (and, for signed
// images, signature) verification.
type Footer struct {
	Magic      uint32
	ImgSz      uint32 /* Payload bytes; excludes the footer itself. */
	Vers       Version
	EntryOff   uint32
	ImgType    uint8
	DigestType uint8
	Pad1       uint16
	Digest     [32]byte
	Sig        [64]byte
	Pad2       [8]byte
}

func DigestTypeName(digestType uint8) string {
	name, ok := digestTypeNameMap[digestType]
	if !ok {
		return "???"
	}

	return name
}

// NewDigest returns a running hash for the given footer digest type.  The
// CRC-32 variant produces a 4-byte sum; the footer digest field is compared
// only over the hash's natural length.
func NewDigest(digestType uint8) (hash.Hash, error) {
	switch digestType {
	case DIGEST_CRC32:
		return crc32.NewIEEE(), nil
	case DIGEST_SHA256:
		return sha256.New(), nil
	case DIGEST_BLAKE3:
		return blake3.New(), nil
	default:
		return nil, util.FmtBootError("unknown digest type 0x%02x",
			digestType)
	}
}

func ParseVersion(versStr string) (Version, error) {
	var err error
	var major uint64
	var minor uint64
	var rev uint64
	var buildNum uint64
	var ver Version

	components := strings.Split(versStr, ".")
	major, err = strconv.ParseUint(components[0], 10, 8)
	if err != nil {
		return ver, util.FmtBootError("Invalid version string %s", versStr)
	}
	if len(components) > 1 {
		minor, err = strconv.ParseUint(components[1], 10, 8)
		if err != nil {
			return ver, util.FmtBootError("Invalid version string %s", versStr)
		}
	}
	if len(components) > 2 {
		rev, err = strconv.ParseUint(components[2], 10, 16)
		if err != nil {
			return ver, util.FmtBootError("Invalid version string %s", versStr)
		}
	}
	if len(components) > 3 {
		buildNum, err = strconv.ParseUint(components[3], 10, 32)
		if err != nil {
			return ver, util.FmtBootError("Invalid version string %s", versStr)
		}
	}

	ver.Major = uint8(major)
	ver.Minor = uint8(minor)
	ver.Rev = uint16(rev)
	ver.BuildNum = uint32(buildNum)
	return ver, nil
}

func (ver Version) String() string {
	if ver.BuildNum != 0 {
		return fmt.Sprintf("%d.%d.%d.%d",
			ver.Major, ver.Minor, ver.Rev, ver.BuildNum)
	}
	return fmt.Sprintf("%d.%d.%d", ver.Major, ver.Minor, ver.Rev)
}

func (f *Footer) MarshalBinary() ([]byte, error) {
	b := &bytes.Buffer{}

	if err := binary.Write(b, binary.LittleEndian, f); err != nil {
		return nil, util.ChildBootError(err)
	}
	if b.Len() != FOOTER_SIZE {
		return nil, util.FmtBootError(
			"footer serialized to %d bytes; expected %d", b.Len(), FOOTER_SIZE)
	}

	return b.Bytes(), nil
}

func ParseFooter(data []byte) (Footer, error) {
	var ftr Footer

	if len(data) < FOOTER_SIZE {
		return ftr, util.FmtBootError(
			"footer incomplete; expected %d bytes, got %d bytes",
			FOOTER_SIZE, len(data))
	}

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &ftr); err != nil {
		return ftr, util.ChildBootError(err)
	}

	return ftr, nil
}
