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

package cli

import (
	"crypto/ed25519"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mkuyper/nanoloader/image"
	"github.com/mkuyper/nanoloader/sim"
	"github.com/mkuyper/nanoloader/util"
)

var mkimageVersion string
var mkimageEntry uint32
var mkimageDigest string
var mkimageSignKey string
var mkimageOut string

var digestFlagMap = map[string]uint8{
	"crc32":  image.DIGEST_CRC32,
	"sha256": image.DIGEST_SHA256,
	"blake3": image.DIGEST_BLAKE3,
}

func mkimageRunCmd(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		NlUsage(cmd, util.NewBootError("Must specify a payload file"))
	}

	payload, err := os.ReadFile(args[0])
	if err != nil {
		NlUsage(nil, util.ChildBootError(err))
	}

	vers, err := image.ParseVersion(mkimageVersion)
	if err != nil {
		NlUsage(cmd, err)
	}

	digestType, ok := digestFlagMap[mkimageDigest]
	if !ok {
		NlUsage(cmd, util.FmtBootError("Unknown digest type \"%s\"",
			mkimageDigest))
	}

	b := &image.Builder{
		Payload:    payload,
		Version:    vers,
		EntryOff:   mkimageEntry,
		DigestType: digestType,
	}

	if mkimageSignKey != "" {
		key, err := os.ReadFile(mkimageSignKey)
		if err != nil {
			NlUsage(nil, util.ChildBootError(err))
		}
		if len(key) != ed25519.PrivateKeySize {
			NlUsage(nil, util.FmtBootError(
				"Signing key must be %d bytes, got %d",
				ed25519.PrivateKeySize, len(key)))
		}
		b.SigKey = ed25519.PrivateKey(key)
	}

	if err := b.WriteToFile(mkimageOut); err != nil {
		NlUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Image created: %s (payload %d bytes, version %s)\n",
		mkimageOut, len(payload), vers.String())
}

func mkimageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkimage <payload-file>",
		Short: "Create a firmware image (payload plus footer)",
		Run:   mkimageRunCmd,
	}

	cmd.Flags().StringVar(&mkimageVersion, "version", "0.0.1",
		"image version (major.minor.rev.build)")
	cmd.Flags().Uint32Var(&mkimageEntry, "entry", 0,
		"entry point offset within the payload")
	cmd.Flags().StringVar(&mkimageDigest, "digest", "sha256",
		"content digest type (crc32, sha256, blake3)")
	cmd.Flags().StringVar(&mkimageSignKey, "signkey", "",
		"ed25519 private key file; produces a signed image")
	cmd.Flags().StringVarP(&mkimageOut, "out", "o", "image.bin",
		"output file")

	return cmd
}

var validatePubKey string

func validateRunCmd(cmd *cobra.Command, args []string) {
	if len(args) != 2 {
		NlUsage(cmd, util.NewBootError(
			"Must specify a flash dump file and a slot id"))
	}

	mem, err := os.ReadFile(args[0])
	if err != nil {
		NlUsage(nil, util.ChildBootError(err))
	}

	slotId, err := strconv.Atoi(args[1])
	if err != nil {
		NlUsage(cmd, util.FmtBootError("Invalid slot id \"%s\"", args[1]))
	}

	cfg, err := loadConfig()
	if err != nil {
		NlUsage(nil, err)
	}
	_, slots, err := cfg.Layout()
	if err != nil {
		NlUsage(nil, err)
	}
	if slotId < 0 || slotId >= len(slots) {
		NlUsage(nil, util.FmtBootError("Slot id %d out of range", slotId))
	}

	var opts image.ValidateOpts
	if validatePubKey != "" {
		key, err := os.ReadFile(validatePubKey)
		if err != nil {
			NlUsage(nil, util.ChildBootError(err))
		}
		opts.SigKey = ed25519.PublicKey(key)
	}

	dev := sim.NewFlashFromBytes(mem, cfg.SectorSize)
	vi, err := image.Validate(dev, slots[slotId], opts)
	if err != nil {
		util.ErrorMessage(util.VERBOSITY_QUIET, "Invalid: %s\n", err.Error())
		os.Exit(1)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Valid image in %s: version=%s size=%d entry=0x%x digest=%s\n",
		slots[slotId].Name, vi.Version.String(), vi.Size, vi.EntryPoint,
		image.DigestTypeName(vi.Footer.DigestType))
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <flash-dump> <slot-id>",
		Short: "Validate the image held by a slot of a flash dump",
		Run:   validateRunCmd,
	}

	cmd.Flags().StringVar(&validatePubKey, "pubkey", "",
		"ed25519 public key file for signed images")

	return cmd
}
