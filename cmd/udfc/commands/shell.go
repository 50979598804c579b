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
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spirit-labs/udfc/cli"
	"github.com/spirit-labs/udfc/errors"
)

type ShellCommand struct {
	VI      bool   `help:"Enable VI mode."`
	Command string `help:"Single statement to execute, non interactively"`
}

func (c *ShellCommand) Run(cl *cli.Cli) error {
	if c.Command != "" {
		return SendStatement(c.Command, cl, os.Stdout)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.WithStack(err)
	}

	rl, err := readline.NewEx(&readline.Config{
		HistoryFile:            filepath.Join(home, ".udfc.history"),
		DisableAutoSaveHistory: true,
		VimMode:                c.VI,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		_ = rl.Close()
	}()
	for {
		// Gather multi-line statement terminated by a ;
		rl.SetPrompt("udfc> ")
		var cmd []string
		for {
			line, err := rl.Readline()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if err == readline.ErrInterrupt {
					return nil
				}
				return errors.WithStack(err)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			cmd = append(cmd, line)
			if strings.HasSuffix(line, ";") {
				break
			}
			rl.SetPrompt("      ")
		}
		// newlines are kept so positions in compile errors match what was typed
		statement := strings.Join(cmd, "\n")
		_ = rl.SaveHistory(strings.Join(cmd, " "))

		if err := SendStatement(statement, cl, rl.Stdout()); err != nil {
			return errors.WithStack(err)
		}
	}
}

// SendStatement executes statement and writes every output line to out.
func SendStatement(statement string, cl *cli.Cli, out io.Writer) error {
	ch, err := cl.ExecuteStatement(statement)
	if err != nil {
		return errors.WithStack(err)
	}
	for line := range ch {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
