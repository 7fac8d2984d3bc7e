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
	"os"

	"github.com/spf13/cobra"

	"github.com/mkuyper/nanoloader/record"
	"github.com/mkuyper/nanoloader/sim"
	"github.com/mkuyper/nanoloader/util"
)

var recordActive uint8

func recordStore(dumpFile string) (*sim.Flash, *record.Store) {
	cfg, err := loadConfig()
	if err != nil {
		NlUsage(nil, err)
	}
	recArea, _, err := cfg.Layout()
	if err != nil {
		NlUsage(nil, err)
	}

	var dev *sim.Flash
	if mem, err := os.ReadFile(dumpFile); err == nil {
		dev = sim.NewFlashFromBytes(mem, cfg.SectorSize)
	} else {
		dev = sim.NewFlash(cfg.FlashSize, cfg.SectorSize)
	}

	store, err := record.NewStore(dev, recArea)
	if err != nil {
		NlUsage(nil, err)
	}

	return dev, store
}

func recordShowCmd(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		NlUsage(cmd, util.NewBootError("Must specify a flash dump file"))
	}

	_, store := recordStore(args[0])
	rec, err := store.Load()
	if err != nil {
		util.ErrorMessage(util.VERBOSITY_QUIET, "%s\n", err.Error())
		os.Exit(1)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT, "Boot record: %s\n",
		rec.String())
}

func recordInitCmd(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		NlUsage(cmd, util.NewBootError("Must specify a flash dump file"))
	}

	dev, store := recordStore(args[0])
	if err := store.Init(recordActive); err != nil {
		NlUsage(nil, err)
	}

	if err := os.WriteFile(args[0], dev.Snapshot(), 0666); err != nil {
		NlUsage(nil, util.ChildBootError(err))
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Boot record initialized: active slot %d\n", recordActive)
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Inspect or initialize the persistent boot record",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <flash-dump>",
		Short: "Show the winning boot record copy",
		Run:   recordShowCmd,
	}
	cmd.AddCommand(showCmd)

	initCmd := &cobra.Command{
		Use:   "init <flash-dump>",
		Short: "Write a first-boot record into a flash dump",
		Run:   recordInitCmd,
	}
	initCmd.Flags().Uint8Var(&recordActive, "active", 0,
		"initially confirmed slot id")
	cmd.AddCommand(initCmd)

	return cmd
}
