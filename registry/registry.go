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

package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
	"github.com/spirit-labs/udfc/errors"
	log "github.com/spirit-labs/udfc/logger"
	"github.com/spirit-labs/udfc/types"
	"github.com/spirit-labs/udfc/vector"
)

// FunctionDescriptor describes a registered function. Descriptors are immutable once registered.
type FunctionDescriptor struct {
	ID           uuid.UUID
	Name         string
	ArgTypes     []types.Type
	ReturnType   types.Type
	Arity        int
	Kernel       vector.Kernel
	Source       string
	Backend      string
	RegisteredAt time.Time
}

func (f *FunctionDescriptor) Signature() string {
	sb := strings.Builder{}
	sb.WriteString(f.Name)
	sb.WriteRune('(')
	for i, t := range f.ArgTypes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.String())
	}
	sb.WriteString(") -> ")
	sb.WriteString(f.ReturnType.String())
	return sb.String()
}

type functionKey struct {
	name  string
	arity int
}

func compareKeys(a, b interface{}) int {
	k1, k2 := a.(functionKey), b.(functionKey)
	if c := strings.Compare(k1.name, k2.name); c != 0 {
		return c
	}
	return k1.arity - k2.arity
}

// Registry holds the registered functions keyed by (name, arity). Names are case insensitive. Functions with the
// same name and a different arity are overloads.
type Registry struct {
	lock      sync.RWMutex
	functions *treemap.Map
}

func NewRegistry() *Registry {
	return &Registry{functions: treemap.NewWith(compareKeys)}
}

// Register registers kernel under name. It fails with a RegistrationError if the name and arity are taken or the
// signature cannot be called through a batch.
func (r *Registry) Register(name string, argTypes []types.Type, returnType types.Type,
	kernel vector.Kernel) (*FunctionDescriptor, error) {
	return r.RegisterFunction(&FunctionDescriptor{
		Name:       name,
		ArgTypes:   argTypes,
		ReturnType: returnType,
		Kernel:     kernel,
	})
}

// RegisterFunction registers a descriptor. ID, Arity and RegisteredAt are assigned by the registry.
func (r *Registry) RegisterFunction(desc *FunctionDescriptor) (*FunctionDescriptor, error) {
	name := strings.ToLower(strings.TrimSpace(desc.Name))
	if name == "" {
		return nil, errors.NewRegistrationError("function name must not be empty")
	}
	if desc.Kernel == nil {
		return nil, errors.NewRegistrationError("function %s has no kernel", name)
	}
	for i, t := range desc.ArgTypes {
		if !hostType(t) {
			return nil, errors.NewRegistrationError("function %s: argument %d has unsupported type %s", name, i, t)
		}
	}
	if !hostType(desc.ReturnType) {
		return nil, errors.NewRegistrationError("function %s: unsupported return type %s", name, desc.ReturnType)
	}
	reg := *desc
	reg.Name = name
	reg.Arity = len(desc.ArgTypes)
	reg.ArgTypes = append([]types.Type(nil), desc.ArgTypes...)
	reg.ID = uuid.New()
	reg.RegisteredAt = time.Now()

	r.lock.Lock()
	defer r.lock.Unlock()
	key := functionKey{name: name, arity: reg.Arity}
	if _, exists := r.functions.Get(key); exists {
		return nil, errors.NewRegistrationError("function %s with %d arguments is already registered", name, reg.Arity)
	}
	r.functions.Put(key, &reg)
	log.Infof("registered function %s id %s backend %s", reg.Signature(), reg.ID, backendName(reg.Backend))
	return &reg, nil
}

func backendName(backend string) string {
	if backend == "" {
		return "external"
	}
	return backend
}

func hostType(t types.Type) bool {
	switch t.Base() {
	case types.Int64, types.Float64, types.Utf8String, types.Bool:
		return true
	default:
		return false
	}
}

func (r *Registry) Lookup(name string, arity int) (*FunctionDescriptor, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	desc, ok := r.functions.Get(functionKey{name: strings.ToLower(name), arity: arity})
	if !ok {
		return nil, false
	}
	return desc.(*FunctionDescriptor), true
}

// LookupOverloads returns every function registered under name ordered by arity.
func (r *Registry) LookupOverloads(name string) []*FunctionDescriptor {
	name = strings.ToLower(name)
	r.lock.RLock()
	defer r.lock.RUnlock()
	var res []*FunctionDescriptor
	it := r.functions.Iterator()
	for it.Next() {
		key := it.Key().(functionKey)
		if key.name == name {
			res = append(res, it.Value().(*FunctionDescriptor))
		} else if key.name > name {
			break
		}
	}
	return res
}

// Unregister removes a function, it reports whether the function was registered.
func (r *Registry) Unregister(name string, arity int) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	key := functionKey{name: strings.ToLower(name), arity: arity}
	if _, ok := r.functions.Get(key); !ok {
		return false
	}
	r.functions.Remove(key)
	log.Infof("unregistered function %s/%d", key.name, arity)
	return true
}

// List returns all functions ordered by name then arity.
func (r *Registry) List() []*FunctionDescriptor {
	r.lock.RLock()
	defer r.lock.RUnlock()
	values := r.functions.Values()
	res := make([]*FunctionDescriptor, len(values))
	for i, v := range values {
		res[i] = v.(*FunctionDescriptor)
	}
	return res
}

func (r *Registry) Size() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.functions.Size()
}

func (f *FunctionDescriptor) String() string {
	return fmt.Sprintf("%s [%s]", f.Signature(), backendName(f.Backend))
}
