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
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mkuyper/nanoloader/config"
	"github.com/mkuyper/nanoloader/util"
)

var LogLevel string = "WARN"
var ConfigFile string
var Verbosity int = util.VERBOSITY_DEFAULT

func NlUsage(cmd *cobra.Command, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
	}

	if cmd != nil {
		cmd.Help()
	}
	os.Exit(1)
}

func loadConfig() (config.Config, error) {
	if ConfigFile == "" {
		return config.Default(), nil
	}
	return config.Load(ConfigFile)
}

func setup() {
	level, err := log.ParseLevel(LogLevel)
	if err != nil {
		level = log.WarnLevel
	}

	if err := util.Init(level, "", Verbosity); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func Parse() *cobra.Command {
	nlCmd := &cobra.Command{
		Use:   "nanoloader",
		Short: "nanoloader is a safe-update bootloader core and simulator.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setup()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	nlCmd.PersistentFlags().StringVarP(&LogLevel, "loglevel", "l", "WARN",
		"log level to use (DEBUG, INFO, WARN, ERROR)")
	nlCmd.PersistentFlags().StringVarP(&ConfigFile, "config", "c", "",
		"device config file; defaults apply when omitted")
	nlCmd.PersistentFlags().IntVarP(&Verbosity, "verbosity", "v",
		util.VERBOSITY_DEFAULT, "status output verbosity (0-3)")

	nlCmd.AddCommand(mkimageCmd())
	nlCmd.AddCommand(validateCmd())
	nlCmd.AddCommand(recordCmd())
	nlCmd.AddCommand(simulateCmd())

	return nlCmd
}
