// Copyright 2025 The Fix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the fix command line tool.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flagSet holds the global flags, bound on the root command's persistent
// flag set.
type flagSet struct {
	workers int
	debug   bool
}

var flags flagSet

func addGlobalFlags(f *pflag.FlagSet) {
	f.IntVar(&flags.workers, "workers", 0, "worker pool size (0 means one per CPU)")
	f.BoolVar(&flags.debug, "debug", false, "trace evaluation")
}

// New creates the top-level command.
func New(args []string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "fix evaluates content-addressed computations.",

		// Errors are printed once, in Main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	addGlobalFlags(cmd.PersistentFlags())

	for _, sub := range []*cobra.Command{
		newEvalCmd(),
		newDigestCmd(),
	} {
		cmd.AddCommand(sub)
	}

	cmd.SetArgs(args)
	return cmd
}

// Main runs the fix tool and returns the code for passing to os.Exit.
func Main() int {
	if err := New(os.Args[1:]).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
