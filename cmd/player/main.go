// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath, socketRoot string

	root := &cobra.Command{
		Use:           "player",
		Short:         "Play media files and streams through the decode pipeline",
		Version:       fmt.Sprintf("%s rev:%s created:%s", Version, Revision, Created),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := initConfig(configPath); err != nil {
				return err
			}

			if socketRoot != "" {
				currentConfig.Control.SocketRoot = socketRoot
			}

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", configFileName, "YAML config file")
	root.PersistentFlags().StringVar(&socketRoot, "socket-root", "", "directory holding the control socket")

	root.AddCommand(newPlayCmd(), newServeCmd(), newProbeCmd(), newCtlCmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error()) //nolint:forbidigo // OK to print here.
		os.Exit(1)
	}
}
