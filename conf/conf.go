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
	"runtime"
	"strconv"

	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

const (
	BackendAuto    = "auto"
	BackendClosure = "closure"
	BackendWasm    = "wasm"

	DefaultBackend              = BackendAuto
	DefaultOptimize             = true
	DefaultParallelChunkRows    = 0
	DefaultArenaChunkBytes      = 64 * 1024
	DefaultLoopIterationLimit   = 1_000_000
	DefaultWasmChunkRows        = 1024
	DefaultWasmInstancePoolSize = 4
	DefaultCompileCacheSize     = 256

	MinArenaChunkBytes = 1024
)

type Config struct {
	// Backend selects the kernel backend: auto uses wasm for numeric functions and closures otherwise
	Backend  *string `help:"Kernel backend. One of: auto, closure, wasm"`
	Optimize *bool   `help:"Run the IR optimization passes"`

	ParallelChunkRows *int `help:"Rows per parallel chunk. 0 evaluates batches serially"`
	MaxParallelism    *int `help:"Maximum number of chunks evaluated concurrently"`
	// ArenaChunkBytes is quoted in config files, see ParseableInt
	ArenaChunkBytes    *ParseableInt `help:"Size of the string arena chunks used per batch"`
	LoopIterationLimit *int64        `help:"Maximum loop iterations per row before the row is null. 0 means unlimited"`

	WasmChunkRows        *int `help:"Rows copied into wasm memory per call"`
	WasmInstancePoolSize *int `help:"Module instances per wasm kernel"`

	CompileCacheSize *int    `help:"Number of compiled functions cached by source hash. 0 disables the cache"`
	CatalogPath      *string `help:"File the function catalog is saved to and loaded from"`

	// Empty log levels use the global log level
	CompilerLogLevel *string `help:"Log level of the compiler logger. One of: debug, info, warn, error"`
	WasmLogLevel     *string `help:"Log level of the wasm module manager logger. One of: debug, info, warn, error"`
}

type ParseableInt int

// UnmarshalText Kong uses default Json Unmarshalling which unmarshalls numbers as float64 which can result in loss of
// precision or failure to parse - this ensures large int fields are parsed correctly
// the field needs to be quoted as a string in the config
func (p *ParseableInt) UnmarshalText(text []byte) error {
	i, err := strconv.ParseInt(string(text), 10, 64)
	if err != nil {
		return err
	}
	*p = ParseableInt(i)
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.Backend == nil || *c.Backend == "" {
		c.Backend = types.AddressOf(DefaultBackend)
	}
	if c.Optimize == nil {
		c.Optimize = types.AddressOf(DefaultOptimize)
	}
	if c.ParallelChunkRows == nil {
		c.ParallelChunkRows = types.AddressOf(DefaultParallelChunkRows)
	}
	if c.MaxParallelism == nil || *c.MaxParallelism == 0 {
		c.MaxParallelism = types.AddressOf(runtime.GOMAXPROCS(0))
	}
	if c.ArenaChunkBytes == nil {
		c.ArenaChunkBytes = (*ParseableInt)(types.AddressOf(DefaultArenaChunkBytes))
	}
	if c.LoopIterationLimit == nil {
		c.LoopIterationLimit = types.AddressOf(int64(DefaultLoopIterationLimit))
	}
	if c.WasmChunkRows == nil || *c.WasmChunkRows == 0 {
		c.WasmChunkRows = types.AddressOf(DefaultWasmChunkRows)
	}
	if c.WasmInstancePoolSize == nil || *c.WasmInstancePoolSize == 0 {
		c.WasmInstancePoolSize = types.AddressOf(DefaultWasmInstancePoolSize)
	}
	if c.CompileCacheSize == nil {
		c.CompileCacheSize = types.AddressOf(DefaultCompileCacheSize)
	}
	if c.CatalogPath == nil {
		c.CatalogPath = types.AddressOf("")
	}
	if c.CompilerLogLevel == nil {
		c.CompilerLogLevel = types.AddressOf("")
	}
	if c.WasmLogLevel == nil {
		c.WasmLogLevel = types.AddressOf("")
	}
}

// Validate must be called after ApplyDefaults.
func (c *Config) Validate() error {
	switch *c.Backend {
	case BackendAuto, BackendClosure, BackendWasm:
	default:
		return errors.NewInvalidConfigurationError("backend must be one of auto, closure, wasm")
	}
	if *c.ParallelChunkRows < 0 {
		return errors.NewInvalidConfigurationError("parallel-chunk-rows must be >= 0")
	}
	if *c.MaxParallelism < 1 {
		return errors.NewInvalidConfigurationError("max-parallelism must be > 0")
	}
	if *c.ArenaChunkBytes < MinArenaChunkBytes {
		return errors.NewInvalidConfigurationError("arena-chunk-bytes must be >= 1024")
	}
	if *c.LoopIterationLimit < 0 {
		return errors.NewInvalidConfigurationError("loop-iteration-limit must be >= 0")
	}
	if *c.WasmChunkRows < 8 {
		return errors.NewInvalidConfigurationError("wasm-chunk-rows must be >= 8")
	}
	if *c.WasmInstancePoolSize < 1 {
		return errors.NewInvalidConfigurationError("wasm-instance-pool-size must be > 0")
	}
	if *c.CompileCacheSize < 0 {
		return errors.NewInvalidConfigurationError("compile-cache-size must be >= 0")
	}
	if !validLogLevel(*c.CompilerLogLevel) {
		return errors.NewInvalidConfigurationError("compiler-log-level must be one of debug, info, warn, error")
	}
	if !validLogLevel(*c.WasmLogLevel) {
		return errors.NewInvalidConfigurationError("wasm-log-level must be one of debug, info, warn, error")
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "", "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// NewDefaultConfig returns a valid configuration with every default applied.
func NewDefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}
