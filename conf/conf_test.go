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

package conf

import (
	"testing"

	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
	"github.com/stretchr/testify/require"
)

type configPair struct {
	errMsg string
	conf   Config
}

func validConf() Config {
	return NewDefaultConfig()
}

func invalidBackendConf() Config {
	cnf := validConf()
	cnf.Backend = types.AddressOf("llvm")
	return cnf
}

func invalidParallelChunkRowsConf() Config {
	cnf := validConf()
	cnf.ParallelChunkRows = types.AddressOf(-1)
	return cnf
}

func invalidMaxParallelismConf() Config {
	cnf := validConf()
	cnf.MaxParallelism = types.AddressOf(-2)
	return cnf
}

func invalidArenaChunkBytesConf() Config {
	cnf := validConf()
	cnf.ArenaChunkBytes = (*ParseableInt)(types.AddressOf(100))
	return cnf
}

func invalidLoopIterationLimitConf() Config {
	cnf := validConf()
	cnf.LoopIterationLimit = types.AddressOf(int64(-1))
	return cnf
}

func invalidWasmChunkRowsConf() Config {
	cnf := validConf()
	cnf.WasmChunkRows = types.AddressOf(4)
	return cnf
}

func invalidWasmInstancePoolSizeConf() Config {
	cnf := validConf()
	cnf.WasmInstancePoolSize = types.AddressOf(-1)
	return cnf
}

func invalidCompileCacheSizeConf() Config {
	cnf := validConf()
	cnf.CompileCacheSize = types.AddressOf(-1)
	return cnf
}

func invalidCompilerLogLevelConf() Config {
	cnf := validConf()
	cnf.CompilerLogLevel = types.AddressOf("loud")
	return cnf
}

func invalidWasmLogLevelConf() Config {
	cnf := validConf()
	cnf.WasmLogLevel = types.AddressOf("trace")
	return cnf
}

var invalidConfigs = []configPair{
	{"invalid configuration: backend must be one of auto, closure, wasm", invalidBackendConf()},
	{"invalid configuration: parallel-chunk-rows must be >= 0", invalidParallelChunkRowsConf()},
	{"invalid configuration: max-parallelism must be > 0", invalidMaxParallelismConf()},
	{"invalid configuration: arena-chunk-bytes must be >= 1024", invalidArenaChunkBytesConf()},
	{"invalid configuration: loop-iteration-limit must be >= 0", invalidLoopIterationLimitConf()},
	{"invalid configuration: wasm-chunk-rows must be >= 8", invalidWasmChunkRowsConf()},
	{"invalid configuration: wasm-instance-pool-size must be > 0", invalidWasmInstancePoolSizeConf()},
	{"invalid configuration: compile-cache-size must be >= 0", invalidCompileCacheSizeConf()},
	{"invalid configuration: compiler-log-level must be one of debug, info, warn, error", invalidCompilerLogLevelConf()},
	{"invalid configuration: wasm-log-level must be one of debug, info, warn, error", invalidWasmLogLevelConf()},
}

func TestValidate(t *testing.T) {
	for _, cp := range invalidConfigs {
		err := cp.conf.Validate()
		require.Error(t, err, "Didn't get error, expected: %s", cp.errMsg)
		var ue errors.UdfError
		require.True(t, errors.As(err, &ue))
		require.Equal(t, errors.InvalidConfiguration, ue.Code)
		require.Equal(t, cp.errMsg, ue.Msg)
	}
}

func TestDefaults(t *testing.T) {
	cnf := validConf()
	require.NoError(t, cnf.Validate())
	require.Equal(t, BackendAuto, *cnf.Backend)
	require.True(t, *cnf.Optimize)
	require.Equal(t, 0, *cnf.ParallelChunkRows)
	require.Greater(t, *cnf.MaxParallelism, 0)
	require.Equal(t, ParseableInt(DefaultArenaChunkBytes), *cnf.ArenaChunkBytes)
	require.Equal(t, int64(DefaultLoopIterationLimit), *cnf.LoopIterationLimit)
	require.Equal(t, DefaultWasmChunkRows, *cnf.WasmChunkRows)
	require.Equal(t, DefaultWasmInstancePoolSize, *cnf.WasmInstancePoolSize)
	require.Equal(t, DefaultCompileCacheSize, *cnf.CompileCacheSize)
	require.Equal(t, "", *cnf.CatalogPath)
	require.Equal(t, "", *cnf.CompilerLogLevel)
	require.Equal(t, "", *cnf.WasmLogLevel)
}

func TestDefaultsKeepExplicitValues(t *testing.T) {
	cnf := Config{
		Backend:            types.AddressOf(BackendWasm),
		Optimize:           types.AddressOf(false),
		LoopIterationLimit: types.AddressOf(int64(0)),
		CompileCacheSize:   types.AddressOf(0),
		WasmLogLevel:       types.AddressOf("error"),
	}
	cnf.ApplyDefaults()
	require.NoError(t, cnf.Validate())
	require.Equal(t, BackendWasm, *cnf.Backend)
	require.False(t, *cnf.Optimize)
	require.Equal(t, int64(0), *cnf.LoopIterationLimit)
	require.Equal(t, 0, *cnf.CompileCacheSize)
	require.Equal(t, "error", *cnf.WasmLogLevel)
}

func TestParseableInt(t *testing.T) {
	var p ParseableInt
	require.NoError(t, p.UnmarshalText([]byte("9007199254740993")))
	require.Equal(t, ParseableInt(9007199254740993), p)
	require.Error(t, p.UnmarshalText([]byte("1.5")))
}
