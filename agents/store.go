// Copyright 2021-2022 The agentgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agents holds the static agent mapping table.
package agents

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/alwitt/agentgw/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrAgentNotFound the agent ID has no mapping entry
var ErrAgentNotFound = errors.New("agent not found")

// Mapping resolved mapping entry for one agent
type Mapping struct {
	// AgentID is the identifier callers use to request a run
	AgentID string `json:"agentId"`
	// Channel is the event channel of the agent
	Channel string `json:"channel"`
	// CallbackURL is the workflow runtime URL invoked to start the agent
	CallbackURL string `json:"callbackUrl"`
}

// MappingStore read-only agent ID -> (channel, callback URL) lookup
type MappingStore interface {
	// Lookup fetch the mapping of an agent. Returns ErrAgentNotFound for unknown agents.
	Lookup(agentID string) (Mapping, error)
	// List fetch all mappings, ordered by agent ID
	List() []Mapping
}

// mappingFile format of the standalone agent mapping YAML file
type mappingFile struct {
	Agents []common.AgentMappingConfig `yaml:"agents" validate:"dive"`
}

// staticMappingStore implements MappingStore
type staticMappingStore struct {
	common.Component
	entries map[string]Mapping
}

// GetMappingStore define a new MappingStore from the inline entries and the optional
// mapping file. Duplicate agent IDs are rejected.
func GetMappingStore(config common.AgentsConfig) (MappingStore, error) {
	logTags := log.Fields{
		"module":    "agents",
		"component": "mapping-store",
	}
	validate := validator.New()

	all := make([]common.AgentMappingConfig, 0, len(config.Entries))
	all = append(all, config.Entries...)
	if config.MappingFile != "" {
		fromFile, err := readMappingFile(config.MappingFile, validate)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to read agent mapping file %s", config.MappingFile,
			)
			return nil, err
		}
		all = append(all, fromFile...)
	}

	entries := make(map[string]Mapping, len(all))
	for _, entry := range all {
		if err := validate.Struct(&entry); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Invalid agent mapping %s", entry.AgentID)
			return nil, err
		}
		if _, ok := entries[entry.AgentID]; ok {
			err := fmt.Errorf("duplicate agent mapping for '%s'", entry.AgentID)
			log.WithError(err).WithFields(logTags).Error("Invalid agent mapping table")
			return nil, err
		}
		channel := entry.Channel
		if channel == "" {
			channel = entry.AgentID
		}
		entries[entry.AgentID] = Mapping{
			AgentID: entry.AgentID, Channel: channel, CallbackURL: entry.CallbackURL,
		}
	}
	if len(entries) == 0 {
		log.WithFields(logTags).Warn("No agents mapped. Every run request will be rejected")
	} else {
		log.WithFields(logTags).Infof("Loaded %d agent mappings", len(entries))
	}
	return &staticMappingStore{
		Component: common.Component{LogTags: logTags},
		entries:   entries,
	}, nil
}

// readMappingFile parse a standalone agent mapping YAML file. Unknown fields are errors.
func readMappingFile(path string, validate *validator.Validate) ([]common.AgentMappingConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	var parsed mappingFile
	if err := decoder.Decode(&parsed); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validate.Struct(&parsed); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return parsed.Agents, nil
}

// Lookup fetch the mapping of an agent
func (s *staticMappingStore) Lookup(agentID string) (Mapping, error) {
	if entry, ok := s.entries[agentID]; ok {
		return entry, nil
	}
	return Mapping{}, ErrAgentNotFound
}

// List fetch all mappings, ordered by agent ID
func (s *staticMappingStore) List() []Mapping {
	result := make([]Mapping, 0, len(s.entries))
	for _, entry := range s.entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}
