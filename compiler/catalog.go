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
	"encoding/json"
	"os"

	"github.com/golang/snappy"
	"github.com/spirit-labs/udfc/errors"
)

const catalogVersion = 1

type catalogEntry struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

type catalog struct {
	Version   int            `json:"version"`
	Functions []catalogEntry `json:"functions"`
}

// SaveCatalog writes the definitions of every registered function that was compiled from source to path as snappy
// compressed JSON. It returns the number of functions saved.
func (c *Compiler) SaveCatalog(path string) (int, error) {
	cat := catalog{Version: catalogVersion}
	for _, desc := range c.registry.List() {
		if desc.Source == "" {
			continue
		}
		cat.Functions = append(cat.Functions, catalogEntry{Name: desc.Name, Source: desc.Source})
	}
	buff, err := json.Marshal(&cat)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, buff), 0o644); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, errors.WithStack(err)
	}
	c.logger.Infof("saved %d functions to catalog %s", len(cat.Functions), path)
	return len(cat.Functions), nil
}

// LoadCatalog compiles and registers every function in the catalog at path. Loading stops at the first function
// that fails, functions registered before it stay registered.
func (c *Compiler) LoadCatalog(path string) (int, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	buff, err := snappy.Decode(nil, compressed)
	if err != nil {
		return 0, errors.Wrap(err, "catalog is not snappy compressed")
	}
	var cat catalog
	if err := json.Unmarshal(buff, &cat); err != nil {
		return 0, errors.Wrap(err, "catalog is not valid json")
	}
	if cat.Version != catalogVersion {
		return 0, errors.Errorf("unsupported catalog version %d", cat.Version)
	}
	for i, entry := range cat.Functions {
		if _, err := c.RegisterAs(entry.Name, entry.Source); err != nil {
			return i, err
		}
	}
	c.logger.Infof("loaded %d functions from catalog %s", len(cat.Functions), path)
	return len(cat.Functions), nil
}
