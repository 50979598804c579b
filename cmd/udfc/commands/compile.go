// Copyright 2024 The Udfc Authors
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

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spirit-labs/udfc/cli"
	"github.com/spirit-labs/udfc/errors"
)

type CompileCommand struct {
	File string `arg:"" help:"File containing one function definition" type:"existingfile"`
}

func (c *CompileCommand) Run(cl *cli.Cli) error {
	return SendStatement(registerStatement(c.File), cl, os.Stdout)
}

type ExplainCommand struct {
	File string `arg:"" help:"File containing one function definition" type:"existingfile"`
}

func (c *ExplainCommand) Run(cl *cli.Cli) error {
	src, err := os.ReadFile(c.File)
	if err != nil {
		return errors.WithStack(err)
	}
	return SendStatement("explain "+string(src), cl, os.Stdout)
}

type RunCommand struct {
	File string `arg:"" help:"File containing one function definition" type:"existingfile"`
	Rows string `arg:"" help:"Argument rows as a json5 array of arrays, e.g. [[1, 2], [3, null]]"`
}

func (c *RunCommand) Run(cl *cli.Cli) error {
	return runFile(cl, c.File, c.Rows, os.Stdout)
}

func runFile(cl *cli.Cli, path string, rows string, out io.Writer) error {
	name, err := cl.RegisterFile(path)
	if err != nil {
		return err
	}
	return SendStatement(fmt.Sprintf("run %s %s", name, rows), cl, out)
}

func registerStatement(path string) string {
	return `register "` + path + `"`
}
