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

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tweoss/fix/handle"
)

func newDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest <file>",
		Short: "print the canonical digest and blob name of a file's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			d := handle.CanonicalDigest(data)
			h := handle.New(handle.Blob, data, uint64(len(data)))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", d, h)
			return nil
		},
	}
}
