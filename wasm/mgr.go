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

package wasm

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/ir"
	log "github.com/spirit-labs/udfc/logger"
	"github.com/spirit-labs/udfc/types"
	"github.com/spirit-labs/udfc/vector"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkRows        = 1024
	DefaultInstancePoolSize = 4
)

type Options struct {
	// ChunkRows is the number of rows copied into module memory per call. It is rounded up to a multiple of 8.
	ChunkRows int
	// InstancePoolSize is the number of module instances per kernel, and so the number of chunks one kernel can
	// evaluate at the same time.
	InstancePoolSize   int
	LoopIterationLimit int64
	// Logger defaults to the global level logger named wasm
	Logger *log.Logger
}

// ModuleManager owns the wazero runtime that all wasm kernels are compiled and instantiated in.
type ModuleManager struct {
	lock    sync.RWMutex
	started bool
	opts    Options
	runtime wazero.Runtime
	kernels []*Kernel
}

func NewModuleManager(opts Options) *ModuleManager {
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = DefaultChunkRows
	}
	opts.ChunkRows = (opts.ChunkRows + 7) &^ 7
	if opts.InstancePoolSize <= 0 {
		opts.InstancePoolSize = DefaultInstancePoolSize
	}
	if opts.Logger == nil {
		l, err := log.GetLogger("wasm")
		if err != nil {
			panic(err)
		}
		opts.Logger = l
	}
	return &ModuleManager{opts: opts}
}

func (m *ModuleManager) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started {
		return nil
	}
	// cancelling an Eval context interrupts a running call, which matters when loops are unlimited
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	m.runtime = wazero.NewRuntimeWithConfig(context.Background(), cfg)
	m.started = true
	return nil
}

func (m *ModuleManager) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.started {
		return nil
	}
	for _, k := range m.kernels {
		k.close()
	}
	m.kernels = nil
	m.started = false
	return m.runtime.Close(context.Background())
}

// Compile lowers fn to a module, compiles it to machine code and instantiates the instance pool.
func (m *ModuleManager) Compile(fn *ir.Function) (*Kernel, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.started {
		return nil, errors.New("module manager is not started")
	}
	bin, lay, err := lower(fn, m.opts.ChunkRows, m.opts.LoopIterationLimit)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	compiled, err := m.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.NewInternalCodegenError("failed to compile wasm module for %s: %v", fn.Name, err)
	}
	k := &Kernel{
		name:      fn.Name,
		argTypes:  fn.Params,
		retType:   fn.Return,
		lay:       lay,
		compiled:  compiled,
		runtime:   m.runtime,
		logger:    m.opts.Logger,
		instances: make(chan *instance, m.opts.InstancePoolSize),
	}
	for i := 0; i < m.opts.InstancePoolSize; i++ {
		inst, err := k.instantiate(ctx, m.runtime)
		if err != nil {
			k.close()
			return nil, err
		}
		k.all = append(k.all, inst)
		k.instances <- inst
	}
	m.kernels = append(m.kernels, k)
	m.opts.Logger.Debugf("compiled %s to a wasm module of %d bytes with %d instances", fn.Name, len(bin), len(k.all))
	return k, nil
}

// Kernel evaluates batches with a pool of module instances. An instance is used by one chunk at a time.
type Kernel struct {
	name      string
	argTypes  []types.Type
	retType   types.Type
	lay       layout
	compiled  wazero.CompiledModule
	runtime   wazero.Runtime
	logger    *log.Logger
	instances chan *instance
	all       []*instance
}

type instance struct {
	mod  api.Module
	eval api.Function
	// mem is a view of the whole linear memory, valid because the memory never grows
	mem []byte
}

func (k *Kernel) instantiate(ctx context.Context, runtime wazero.Runtime) (*instance, error) {
	mod, err := runtime.InstantiateModule(ctx, k.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.NewInternalCodegenError("failed to instantiate wasm module for %s: %v", k.name, err)
	}
	mem := mod.ExportedMemory(memoryExport)
	eval := mod.ExportedFunction(evalExport)
	if mem == nil || eval == nil {
		return nil, errors.NewInternalCodegenError("wasm module for %s does not export %s and %s", k.name,
			evalExport, memoryExport)
	}
	view, ok := mem.Read(0, mem.Size())
	if !ok {
		return nil, errors.NewInternalCodegenError("cannot read memory of wasm module for %s", k.name)
	}
	return &instance{mod: mod, eval: eval, mem: view}, nil
}

// reinstantiate replaces the module of inst in place. The caller must hold inst.
func (k *Kernel) reinstantiate(inst *instance) error {
	fresh, err := k.instantiate(context.Background(), k.runtime)
	if err != nil {
		return err
	}
	if err := inst.mod.Close(context.Background()); err != nil {
		k.logger.Debugf("closing interrupted wasm instance: %v", err)
	}
	*inst = *fresh
	return nil
}

func (k *Kernel) close() {
	for _, inst := range k.all {
		if err := inst.mod.Close(context.Background()); err != nil {
			k.logger.Warnf("failed to close wasm instance: %v", err)
		}
	}
	k.all = nil
	if err := k.compiled.Close(context.Background()); err != nil {
		k.logger.Warnf("failed to close wasm compiled module: %v", err)
	}
}

func (k *Kernel) Name() string {
	return k.name
}

func (k *Kernel) ArgTypes() []types.Type {
	return k.argTypes
}

func (k *Kernel) ReturnType() types.Type {
	return k.retType
}

func (k *Kernel) Eval(ctx context.Context, batch *vector.Batch) error {
	if err := batch.CheckShape(k.argTypes, k.retType); err != nil {
		return errors.NewUdfErrorf(errors.InternalError, "cannot evaluate %s: %v", k.name, err)
	}
	batch.Out.EnsureValidity()
	chunk := int(k.lay.rows)
	if batch.RowCount <= chunk {
		return k.evalChunk(ctx, batch, 0, batch.RowCount)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cap(k.instances))
	for start := 0; start < batch.RowCount; start += chunk {
		start := start
		end := min(start+chunk, batch.RowCount)
		g.Go(func() error {
			return k.evalChunk(gctx, batch, start, end)
		})
	}
	return g.Wait()
}

func (k *Kernel) acquire(ctx context.Context) (*instance, error) {
	select {
	case inst := <-k.instances:
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *Kernel) evalChunk(ctx context.Context, batch *vector.Batch, start int, end int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inst, err := k.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		k.instances <- inst
	}()
	mem := inst.mem
	for i, arg := range batch.Args {
		vals, nulls := mem[k.lay.argValues(i):], mem[k.lay.argNulls(i):]
		for row := start; row < end; row++ {
			j := row - start
			var bits uint64
			switch arg.Type {
			case types.Int64:
				bits = uint64(arg.Ints[row])
			case types.Float64:
				bits = math.Float64bits(arg.Floats[row])
			case types.Bool:
				if arg.Bools[row] {
					bits = 1
				}
			}
			binary.LittleEndian.PutUint64(vals[j*8:], bits)
			nulls[j] = boolByte(arg.IsNull(row))
		}
	}
	sel := mem[k.lay.selection():]
	for row := start; row < end; row++ {
		sel[row-start] = boolByte(batch.Selected(row))
	}
	if _, err := inst.eval.Call(ctx, uint64(end-start)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the runtime closed the interrupted module
			if rerr := k.reinstantiate(inst); rerr != nil {
				k.logger.Warnf("failed to replace interrupted wasm instance of %s: %v", k.name, rerr)
			}
			return errors.WithStack(ctxErr)
		}
		return errors.NewUdfErrorf(errors.InternalError, "wasm evaluation of %s failed: %v", k.name, err)
	}
	out := batch.Out
	vals, nulls := mem[k.lay.outValues():], mem[k.lay.outNulls():]
	for row := start; row < end; row++ {
		j := row - start
		if nulls[j] != 0 {
			out.SetNull(row)
			continue
		}
		out.SetValid(row)
		bits := binary.LittleEndian.Uint64(vals[j*8:])
		switch out.Type {
		case types.Int64:
			out.Ints[row] = int64(bits)
		case types.Float64:
			out.Floats[row] = math.Float64frombits(bits)
		case types.Bool:
			out.Bools[row] = bits != 0
		}
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
