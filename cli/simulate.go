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
	"bytes"
	"context"

	"github.com/spf13/cobra"

	"github.com/mkuyper/nanoloader/boot"
	"github.com/mkuyper/nanoloader/commit"
	"github.com/mkuyper/nanoloader/image"
	"github.com/mkuyper/nanoloader/record"
	"github.com/mkuyper/nanoloader/sim"
	"github.com/mkuyper/nanoloader/transport"
	"github.com/mkuyper/nanoloader/update"
	"github.com/mkuyper/nanoloader/util"
)

var simResets int
var simConfirm bool
var simCompress bool

// simulateRunCmd walks a full device lifecycle on the emulator: factory
// image, first boot, an over-the-wire update, and the trial/confirm (or
// rollback) sequence across subsequent resets.
func simulateRunCmd(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		NlUsage(nil, err)
	}
	recArea, slots, err := cfg.Layout()
	if err != nil {
		NlUsage(nil, err)
	}

	dev := sim.NewFlash(cfg.FlashSize, cfg.SectorSize)
	store, err := record.NewStore(dev, recArea)
	if err != nil {
		NlUsage(nil, err)
	}
	if err := store.Init(0); err != nil {
		NlUsage(nil, err)
	}

	v1 := &image.Builder{
		Payload:    bytes.Repeat([]byte{0xa5}, 4096),
		Version:    image.Version{Major: 1},
		DigestType: image.DIGEST_SHA256,
	}
	img1, err := v1.Bytes()
	if err != nil {
		NlUsage(nil, err)
	}
	if err := image.Install(dev, slots[0], img1); err != nil {
		NlUsage(nil, err)
	}

	sel, err := boot.NewSelector(dev, store, slots, boot.Config{
		TrialMax:    cfg.TrialMax,
		AutoConfirm: cfg.AutoConfirm,
	})
	if err != nil {
		NlUsage(nil, err)
	}

	bootOnce := func(label string) {
		d, err := sel.Evaluate()
		if err != nil {
			util.ErrorMessage(util.VERBOSITY_QUIET, "%s: halt: %s\n",
				label, err.Error())
			return
		}
		util.StatusMessage(util.VERBOSITY_DEFAULT, "%s: %s\n",
			label, d.String())
	}

	bootOnce("factory boot")

	// Deliver a version 2 image over the in-memory transport.
	v2 := &image.Builder{
		Payload:    bytes.Repeat([]byte{0x5a}, 8192),
		Version:    image.Version{Major: 2},
		DigestType: image.DIGEST_SHA256,
	}
	img2, err := v2.Bytes()
	if err != nil {
		NlUsage(nil, err)
	}

	devConn, hostConn := transport.Pipe(8)
	co := commit.NewCoordinator(dev, slots[1], store,
		commit.WithPageSize(cfg.PageSize))
	rx := update.NewReceiver(devConn, co, dev, store, 1,
		update.WithWindow(cfg.Window))

	pushErr := make(chan error, 1)
	go func() {
		pushErr <- update.Push(hostConn, img2, update.PushOpts{
			Token:    0xbeef,
			Compress: simCompress,
		})
	}()

	result, err := rx.Run(context.Background())
	if err != nil {
		NlUsage(nil, err)
	}
	if perr := <-pushErr; perr != nil {
		NlUsage(nil, perr)
	}
	if result != update.RESULT_COMMITTED {
		NlUsage(nil, util.NewBootError("update did not commit"))
	}

	rec, err := store.Load()
	if err != nil {
		NlUsage(nil, err)
	}
	util.StatusMessage(util.VERBOSITY_DEFAULT, "after update: %s\n",
		rec.String())

	for i := 1; i <= simResets; i++ {
		bootOnce("reset")

		if simConfirm && i == 1 {
			if err := sel.ConfirmRunning(); err != nil {
				NlUsage(nil, err)
			}
			util.StatusMessage(util.VERBOSITY_DEFAULT,
				"application confirmed itself healthy\n")
		}
	}

	rec, err = store.Load()
	if err != nil {
		NlUsage(nil, err)
	}
	util.StatusMessage(util.VERBOSITY_DEFAULT, "final: %s\n", rec.String())
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a full boot/update/trial cycle on the flash emulator",
		Run:   simulateRunCmd,
	}

	cmd.Flags().IntVar(&simResets, "resets", 4,
		"number of resets to simulate after the update")
	cmd.Flags().BoolVar(&simConfirm, "confirm", false,
		"confirm the trial image after its first boot")
	cmd.Flags().BoolVar(&simCompress, "lz4", false,
		"transfer the update LZ4 compressed")

	return cmd
}
