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

package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spirit-labs/udfc/compiler"
	"github.com/spirit-labs/udfc/conf"
	"github.com/spirit-labs/udfc/registry"
	"github.com/stretchr/testify/require"
)

func startCli(t *testing.T) *Cli {
	t.Helper()
	comp, err := compiler.NewCompiler(conf.NewDefaultConfig(), registry.NewRegistry())
	require.NoError(t, err)
	cli := NewCli(comp, 0)
	require.NoError(t, cli.Start())
	t.Cleanup(func() {
		require.NoError(t, cli.Stop())
	})
	return cli
}

func execute(t *testing.T, cli *Cli, statement string) []string {
	t.Helper()
	ch, err := cli.ExecuteStatement(statement)
	require.NoError(t, err)
	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	return lines
}

func TestRunTable(t *testing.T) {
	cli := startCli(t)
	lines := execute(t, cli, `def add(a: int, b: int) -> int { return a + b };`)
	require.Equal(t, []string{"registered add(int, int) -> int [wasm]", "OK"}, lines)

	border := "+" + strings.Repeat("-", 24) + "+"
	lines = execute(t, cli, `run add [[1, 2], [null, 3]];`)
	require.Equal(t, []string{
		border,
		"| arg0  | arg1  | result |",
		border,
		"| 1     | 2     | 3      |",
		"| null  | 3     | null   |",
		border,
		"2 rows returned",
	}, lines)
}

func TestRunGreet(t *testing.T) {
	cli := startCli(t)
	execute(t, cli, `def greet(name: string) -> string { return "Udf_transpiler " + name + " 🐥" }`)
	lines := execute(t, cli, `run greet [["Alice"], [null]]`)
	require.Equal(t, 7, len(lines))
	require.Contains(t, lines[3], "| Alice ")
	require.Contains(t, lines[3], "Udf_transpiler Alice 🐥")
	require.Contains(t, lines[4], "null")
	require.Equal(t, "2 rows returned", lines[6])
}

func TestRunJson5Rows(t *testing.T) {
	cli := startCli(t)
	execute(t, cli, `def half(x: float) -> float { return x / 2.0 }`)
	// json5 allows trailing commas
	lines := execute(t, cli, `run half [[3], [4.0],]`)
	require.Contains(t, lines[3], "1.500000")
	require.Contains(t, lines[4], "2.000000")
	require.Equal(t, "2 rows returned", lines[6])
}

func TestRunErrors(t *testing.T) {
	cli := startCli(t)
	execute(t, cli, `def add(a: int, b: int) -> int { return a + b }`)
	require.Equal(t, []string{"UnknownFunction: unknown function add with 1 arguments"},
		execute(t, cli, `run add [[1]]`))
	require.Equal(t, []string{"UnknownFunction: unknown function nope with 1 arguments"},
		execute(t, cli, `run nope [[1]]`))
	lines := execute(t, cli, `run add [[1, "x"]]`)
	require.Equal(t, 1, len(lines))
	require.Contains(t, lines[0], "row 0 column arg1")
	lines = execute(t, cli, `run add {a: 1}`)
	require.True(t, strings.HasPrefix(lines[0], "rows must be an array of arrays"))
	require.Equal(t, []string{"run needs at least one row"}, execute(t, cli, `run add []`))
	lines = execute(t, cli, `run add`)
	require.True(t, strings.HasPrefix(lines[0], "invalid run command"))
}

func TestCompileErrors(t *testing.T) {
	cli := startCli(t)
	lines := execute(t, cli, `def f() -> string { return "abc }`)
	require.Equal(t, 1, len(lines))
	require.True(t, strings.HasPrefix(lines[0], "LexError: "))
	lines = execute(t, cli, `def f(a: int) -> int { return a + "x" }`)
	require.True(t, strings.HasPrefix(lines[0], "TypeError: "))
	lines = execute(t, cli, "list")
	require.Equal(t, 4, len(lines))
	require.Equal(t, "| name  | signature | backend | id    |", lines[1])
	require.Equal(t, "0 rows returned", lines[3])
}

func TestListAndDrop(t *testing.T) {
	cli := startCli(t)
	execute(t, cli, `def sub(a: int, b: int) -> int { return a - b }`)
	execute(t, cli, `def greet(name: string) -> string { return "hi " + name }`)
	lines := execute(t, cli, "list;")
	require.Equal(t, 7, len(lines))
	require.True(t, strings.HasPrefix(lines[3], "| greet "))
	require.Contains(t, lines[3], "greet(string) -> string")
	require.Contains(t, lines[3], "closure")
	require.True(t, strings.HasPrefix(lines[4], "| sub "))
	require.Contains(t, lines[4], "wasm")
	require.Equal(t, "2 rows returned", lines[6])

	require.Equal(t, []string{"OK"}, execute(t, cli, "drop sub 2"))
	require.Equal(t, []string{"UnknownFunction: unknown function sub with 2 arguments"},
		execute(t, cli, "drop sub 2"))
	require.Equal(t, []string{"invalid arity: x"}, execute(t, cli, "drop greet x"))
	require.Equal(t, []string{"invalid drop command. Should be drop <name> <arity>"}, execute(t, cli, "drop greet"))
	require.Equal(t, 6, len(execute(t, cli, "list")))
}

func TestExplain(t *testing.T) {
	cli := startCli(t)
	lines := execute(t, cli, `explain def inc(a: int) -> int { return a + 1 }`)
	require.Equal(t, "tokens:", lines[0])
	require.Contains(t, lines, "ast:")
	require.Contains(t, lines, "ir:")
	require.Contains(t, lines, "optimized ir:")
	require.Equal(t, "backend: wasm", lines[len(lines)-1])
	// nothing is registered
	require.Equal(t, 0, cliRegistrySize(cli))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.snappy")
	cli := startCli(t)
	execute(t, cli, `def add(a: int, b: int) -> int { return a + b }`)
	execute(t, cli, `def greet(name: string) -> string { return "hi " + name }`)
	require.Equal(t, []string{"saved 2 functions", "OK"}, execute(t, cli, "save "+path))

	other := startCli(t)
	require.Equal(t, []string{"loaded 2 functions", "OK"}, execute(t, other, `load "`+path+`"`))
	require.Equal(t, 2, cliRegistrySize(other))
	lines := execute(t, other, `run greet [["bob"]]`)
	require.Contains(t, lines[3], "hi bob")

	lines = execute(t, other, "load "+filepath.Join(t.TempDir(), "missing"))
	require.Equal(t, 1, len(lines))
}

func TestSetMaxLineWidth(t *testing.T) {
	cli := startCli(t)
	require.Equal(t, []string{"invalid max_line_width value: 5"}, execute(t, cli, "set max_line_width 5"))
	require.Equal(t, []string{"unknown property: foo"}, execute(t, cli, "set foo 5"))
	require.Equal(t, []string{"OK"}, execute(t, cli, "set max_line_width 40"))
	execute(t, cli, `def greet(name: string) -> string { return "Udf_transpiler " + name + " is very welcome here" }`)
	lines := execute(t, cli, `run greet [["Alice"]]`)
	for _, line := range lines[:5] {
		require.LessOrEqual(t, len(line), 40)
	}
	require.True(t, strings.HasSuffix(lines[3], ".. |"))
}

func TestUnknownStatement(t *testing.T) {
	cli := startCli(t)
	lines := execute(t, cli, "select 1")
	require.Equal(t, 1, len(lines))
	require.True(t, strings.HasPrefix(lines[0], `unknown statement "select"`))
	require.Nil(t, execute(t, cli, " ; "))
}

func TestNotStarted(t *testing.T) {
	comp, err := compiler.NewCompiler(conf.NewDefaultConfig(), registry.NewRegistry())
	require.NoError(t, err)
	_, err = NewCli(comp, 0).ExecuteStatement("list")
	require.Error(t, err)
}

func cliRegistrySize(cli *Cli) int {
	return cli.compiler.Registry().Size()
}
