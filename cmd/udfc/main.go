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

package main

import (
	"os"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/spirit-labs/udfc/cli"
	"github.com/spirit-labs/udfc/cmd/udfc/commands"
	"github.com/spirit-labs/udfc/compiler"
	"github.com/spirit-labs/udfc/conf"
	"github.com/spirit-labs/udfc/errors"
	log "github.com/spirit-labs/udfc/logger"
	"github.com/spirit-labs/udfc/registry"
)

type arguments struct {
	Config   kong.ConfigFlag `help:"Path to config file" type:"existingfile"`
	Compiler conf.Config     `help:"Compiler configuration" embed:"" prefix:""`
	Log      log.Config      `help:"Configuration for the logger" embed:"" prefix:"log-"`

	Compile commands.CompileCommand `cmd:"" help:"Compile and register a function file, printing its signature"`
	Explain commands.ExplainCommand `cmd:"" help:"Show the tokens, AST and IR of a function file"`
	Run     commands.RunCommand     `cmd:"" help:"Register a function file and evaluate it over json5 rows"`
	Shell   commands.ShellCommand   `cmd:"" help:"Start an interactive shell"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("%+v\n", err)
	}
}

func loadConfig(args []string) (*arguments, *kong.Context, error) {
	cfg := &arguments{}
	parser, err := kong.New(cfg, kong.Name("udfc"), kong.Configuration(konghcl.Loader))
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if err := cfg.Log.Configure(); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	cfg.Compiler.ApplyDefaults()
	if err := cfg.Compiler.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, ctx, nil
}

func run(args []string) error {
	cfg, ctx, err := loadConfig(args)
	if err != nil {
		return err
	}
	comp, err := compiler.NewCompiler(cfg.Compiler, registry.NewRegistry())
	if err != nil {
		return err
	}
	cl := cli.NewCli(comp, int(*cfg.Compiler.ArenaChunkBytes))
	cl.SetStyled(true)
	if err := cl.Start(); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if err := cl.Stop(); err != nil {
			log.Errorf("failed to close cli %+v", err)
		}
	}()
	return ctx.Run(cl)
}
