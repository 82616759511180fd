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
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Tweoss/fix/handle"
	"github.com/Tweoss/fix/runtime"
	"github.com/Tweoss/fix/sandbox"
	"github.com/Tweoss/fix/sandbox/wasm"
	"github.com/Tweoss/fix/storage"
)

// builtinScheme selects a builtin guest instead of a module file, as in
// "fix eval builtin:identity input".
const builtinScheme = "builtin:"

func newEvalCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "eval <program> [input...]",
		Short: "apply a program to inputs and print the result's name",
		Long: `Eval builds the encode of an application, the tree of the program
followed by its inputs, and reduces it to a value.

The program is a WebAssembly module file, or builtin:<name> for one of
the natively registered guests. Each input is a file, inserted as a
blob, or u32:<n>, inlined as a 4-byte literal.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, args, outFile)
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the result blob's bytes to this file")
	return cmd
}

func runEval(cmd *cobra.Command, args []string, outFile string) error {
	store := storage.NewStore()

	program, err := putProgram(store, args[0])
	if err != nil {
		return err
	}
	inputs := make([]handle.Handle, 0, len(args)-1)
	for _, arg := range args[1:] {
		in, err := putInput(store, arg)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
	}
	thunk, err := sandbox.MakeEncode(store, program, inputs...)
	if err != nil {
		return err
	}

	wasmInterp, err := wasm.New()
	if err != nil {
		return err
	}
	defer wasmInterp.Close(cmd.Context())

	rt := runtime.New(store, runtime.Config{
		Workers:      flags.workers,
		Debug:        flags.debug,
		Interpreters: []sandbox.Interpreter{sandbox.NewBuiltins(), wasmInterp},
	})
	defer rt.Close()

	res, err := rt.EvalBlocking(cmd.Context(), thunk)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res)

	if outFile != "" {
		data, err := store.GetBlob(res)
		if err != nil {
			return fmt.Errorf("result %v is not a blob: %w", res, err)
		}
		return os.WriteFile(outFile, data, 0o666)
	}
	return nil
}

// putProgram inserts the program blob named by arg: a registered builtin,
// or a module file wrapped with its header.
func putProgram(store *storage.Store, arg string) (handle.Handle, error) {
	if name, ok := strings.CutPrefix(arg, builtinScheme); ok {
		return store.PutBlob(sandbox.BuiltinProgram(name)), nil
	}
	module, err := os.ReadFile(arg)
	if err != nil {
		return handle.Handle{}, err
	}
	name := strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
	return store.PutBlob(sandbox.WrapProgram(sandbox.ProgramHeader{Name: name}, module)), nil
}

// putInput inserts one input: u32:<n> as an inline literal, anything else
// as the blob of a file's contents.
func putInput(store *storage.Store, arg string) (handle.Handle, error) {
	if v, ok := strings.CutPrefix(arg, "u32:"); ok {
		var n uint32
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return handle.Handle{}, fmt.Errorf("bad u32 input %q: %w", arg, err)
		}
		return handle.LiteralU32(n), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return handle.Handle{}, err
	}
	return store.PutBlob(data), nil
}
