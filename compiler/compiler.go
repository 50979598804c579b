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

package compiler

import (
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spirit-labs/udfc/check"
	"github.com/spirit-labs/udfc/codegen"
	"github.com/spirit-labs/udfc/conf"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/ir"
	log "github.com/spirit-labs/udfc/logger"
	"github.com/spirit-labs/udfc/parser"
	"github.com/spirit-labs/udfc/registry"
	"github.com/spirit-labs/udfc/types"
	"github.com/spirit-labs/udfc/vector"
	"github.com/spirit-labs/udfc/wasm"
	"github.com/zeebo/blake3"
)

// SQLName is the name the acceptance greet function is registered under in the host.
const SQLName = "udf_transpiler"

// Compiled is the result of compiling one function definition.
type Compiled struct {
	Name       string
	ArgTypes   []types.Type
	ReturnType types.Type
	Kernel     vector.Kernel
	Backend    string
	Source     string
}

// Compiler runs the pipeline source -> tokens -> AST -> typed AST -> IR -> kernel and registers the result.
// Compilation is serialized, the kernels it produces are safe for concurrent use.
type Compiler struct {
	lock     sync.Mutex
	started  bool
	cfg      conf.Config
	registry *registry.Registry
	wasmMgr  *wasm.ModuleManager
	cache    *lru.Cache
	logger   *log.Logger
}

func NewCompiler(cfg conf.Config, reg *registry.Registry) (*Compiler, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := log.GetLoggerWithLevelName("compiler", *cfg.CompilerLogLevel)
	if err != nil {
		return nil, err
	}
	c := &Compiler{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
	}
	if *cfg.Backend != conf.BackendClosure {
		wasmLogger, err := log.GetLoggerWithLevelName("wasm", *cfg.WasmLogLevel)
		if err != nil {
			return nil, err
		}
		c.wasmMgr = wasm.NewModuleManager(wasm.Options{
			ChunkRows:          *cfg.WasmChunkRows,
			InstancePoolSize:   *cfg.WasmInstancePoolSize,
			LoopIterationLimit: *cfg.LoopIterationLimit,
			Logger:             wasmLogger,
		})
	}
	if *cfg.CompileCacheSize > 0 {
		cache, err := lru.New(*cfg.CompileCacheSize)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		c.cache = cache
	}
	return c, nil
}

func (c *Compiler) Registry() *registry.Registry {
	return c.registry
}

// Start starts the wasm runtime and loads the catalog if one is configured.
func (c *Compiler) Start() error {
	c.lock.Lock()
	if c.started {
		c.lock.Unlock()
		return nil
	}
	if c.wasmMgr != nil {
		if err := c.wasmMgr.Start(); err != nil {
			c.lock.Unlock()
			return err
		}
	}
	c.started = true
	c.lock.Unlock()
	if path := *c.cfg.CatalogPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := c.LoadCatalog(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Compiler) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	if c.cache != nil {
		c.cache.Purge()
	}
	if c.wasmMgr != nil {
		return c.wasmMgr.Stop()
	}
	return nil
}

// Compile compiles src without registering it. Results are cached by the hash of the source.
func (c *Compiler) Compile(src string) (*Compiled, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.started {
		return nil, errors.New("compiler is not started")
	}
	key := blake3.Sum256([]byte(src))
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.(*Compiled), nil
		}
	}
	compiled, err := c.compile(src)
	if err != nil {
		return nil, maybeConvertError(err)
	}
	if c.cache != nil {
		c.cache.Add(key, compiled)
	}
	return compiled, nil
}

func (c *Compiler) compile(src string) (*Compiled, error) {
	start := time.Now()
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("parsed %s into %d nodes", tree.Name, tree.Len())
	typed, err := check.Check(tree, nil)
	if err != nil {
		return nil, err
	}
	fn, err := ir.Build(typed)
	if err != nil {
		return nil, err
	}
	if *c.cfg.Optimize {
		ir.Optimize(fn)
	}
	c.logger.Debugf("lowered %s to %d blocks and %d values", fn.Name, len(fn.Blocks), fn.NumValues())
	kernel, backend, err := c.generate(fn)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("compiled %s with %s backend in %d µs", fn.Name, backend, time.Since(start).Microseconds())
	return &Compiled{
		Name:       fn.Name,
		ArgTypes:   fn.Params,
		ReturnType: fn.Return,
		Kernel:     kernel,
		Backend:    backend,
		Source:     src,
	}, nil
}

func (c *Compiler) generate(fn *ir.Function) (vector.Kernel, string, error) {
	useWasm := false
	switch *c.cfg.Backend {
	case conf.BackendWasm:
		useWasm = true
	case conf.BackendAuto:
		if err := wasm.Eligible(fn); err != nil {
			c.logger.Debugf("%s uses the closure backend: %v", fn.Name, err)
		} else {
			useWasm = true
		}
	}
	if useWasm {
		k, err := c.wasmMgr.Compile(fn)
		if err != nil {
			return nil, "", err
		}
		return k, conf.BackendWasm, nil
	}
	k, err := codegen.Generate(fn, codegen.Options{
		ParallelChunkRows:  *c.cfg.ParallelChunkRows,
		MaxParallelism:     *c.cfg.MaxParallelism,
		LoopIterationLimit: *c.cfg.LoopIterationLimit,
	})
	if err != nil {
		return nil, "", err
	}
	return k, conf.BackendClosure, nil
}

// Register compiles src and registers it under the name in its definition.
func (c *Compiler) Register(src string) (*registry.FunctionDescriptor, error) {
	return c.RegisterAs("", src)
}

// RegisterAs compiles src and registers it under name, or under the name in the definition if name is empty.
// Nothing is registered if any phase fails.
func (c *Compiler) RegisterAs(name string, src string) (*registry.FunctionDescriptor, error) {
	compiled, err := c.Compile(src)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = compiled.Name
	}
	return c.registry.RegisterFunction(&registry.FunctionDescriptor{
		Name:       name,
		ArgTypes:   compiled.ArgTypes,
		ReturnType: compiled.ReturnType,
		Kernel:     compiled.Kernel,
		Source:     src,
		Backend:    compiled.Backend,
	})
}

// RegisterFile registers the function defined in the file at path.
func (c *Compiler) RegisterFile(path string) (*registry.FunctionDescriptor, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return c.Register(string(src))
}

// Explanation shows every intermediate form of a function.
type Explanation struct {
	Tokens    []parser.Token
	AST       string
	IR        string
	Optimized string
	Backend   string
}

// Explain runs the pipeline up to code generation without registering anything.
func (c *Compiler) Explain(src string) (*Explanation, error) {
	tokens, err := parser.Tokenize(src).All()
	if err != nil {
		return nil, err
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, err
	}
	typed, err := check.Check(tree, nil)
	if err != nil {
		return nil, err
	}
	fn, err := ir.Build(typed)
	if err != nil {
		return nil, maybeConvertError(err)
	}
	exp := &Explanation{Tokens: tokens, AST: tree.String(), IR: fn.String()}
	ir.Optimize(fn)
	exp.Optimized = fn.String()
	exp.Backend = conf.BackendClosure
	if *c.cfg.Backend != conf.BackendClosure && wasm.Eligible(fn) == nil {
		exp.Backend = conf.BackendWasm
	}
	return exp, nil
}

func (e *Explanation) String() string {
	var sb strings.Builder
	sb.WriteString("tokens:\n")
	for _, tok := range e.Tokens {
		sb.WriteString("  ")
		sb.WriteString(tok.Describe())
		sb.WriteString("\n")
	}
	sb.WriteString("ast:\n")
	sb.WriteString(e.AST)
	sb.WriteString("\nir:\n")
	sb.WriteString(e.IR)
	sb.WriteString("\noptimized ir:\n")
	sb.WriteString(e.Optimized)
	sb.WriteString("\nbackend: ")
	sb.WriteString(e.Backend)
	sb.WriteString("\n")
	return sb.String()
}
