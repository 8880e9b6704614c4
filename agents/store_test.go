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

package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alwitt/agentgw/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestMappingStoreInline(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetMappingStore(common.AgentsConfig{
		Entries: []common.AgentMappingConfig{
			{AgentID: "scheduler", CallbackURL: "http://example/run"},
			{AgentID: "mailer", Channel: "mail-room", CallbackURL: "http://example/mail"},
		},
	})
	assert.Nil(err)

	// Case 0: channel defaults to agent ID
	{
		entry, err := uut.Lookup("scheduler")
		assert.Nil(err)
		assert.Equal("scheduler", entry.Channel)
		assert.Equal("http://example/run", entry.CallbackURL)
	}

	// Case 1: explicit channel
	{
		entry, err := uut.Lookup("mailer")
		assert.Nil(err)
		assert.Equal("mail-room", entry.Channel)
	}

	// Case 2: unknown agent
	{
		_, err := uut.Lookup("ghost")
		assert.ErrorIs(err, ErrAgentNotFound)
	}

	// Case 3: listing is ordered
	{
		all := uut.List()
		assert.Len(all, 2)
		assert.Equal("mailer", all[0].AgentID)
		assert.Equal("scheduler", all[1].AgentID)
	}
}

func TestMappingStoreInvalid(t *testing.T) {
	assert := assert.New(t)

	// Case 0: duplicate agent
	{
		_, err := GetMappingStore(common.AgentsConfig{
			Entries: []common.AgentMappingConfig{
				{AgentID: "scheduler", CallbackURL: "http://example/run"},
				{AgentID: "scheduler", CallbackURL: "http://example/other"},
			},
		})
		assert.NotNil(err)
	}

	// Case 1: bad callback URL
	{
		_, err := GetMappingStore(common.AgentsConfig{
			Entries: []common.AgentMappingConfig{
				{AgentID: "scheduler", CallbackURL: "not a url"},
			},
		})
		assert.NotNil(err)
	}

	// Case 2: empty table is allowed
	{
		uut, err := GetMappingStore(common.AgentsConfig{})
		assert.Nil(err)
		assert.Empty(uut.List())
	}
}

func TestMappingStoreFile(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()

	// Case 0: entries from file merged with inline entries
	{
		path := filepath.Join(dir, "agents.yaml")
		content := []byte(`agents:
  - agent_id: reporter
    channel: reports
    callback_url: http://example/report
`)
		assert.Nil(os.WriteFile(path, content, 0600))
		uut, err := GetMappingStore(common.AgentsConfig{
			Entries: []common.AgentMappingConfig{
				{AgentID: "scheduler", CallbackURL: "http://example/run"},
			},
			MappingFile: path,
		})
		assert.Nil(err)
		entry, err := uut.Lookup("reporter")
		assert.Nil(err)
		assert.Equal("reports", entry.Channel)
		assert.Len(uut.List(), 2)
	}

	// Case 1: unknown field in file
	{
		path := filepath.Join(dir, "bad.yaml")
		content := []byte(`agents:
  - agent_id: reporter
    callbackurl: http://example/report
`)
		assert.Nil(os.WriteFile(path, content, 0600))
		_, err := GetMappingStore(common.AgentsConfig{MappingFile: path})
		assert.NotNil(err)
	}

	// Case 2: missing file
	{
		_, err := GetMappingStore(common.AgentsConfig{MappingFile: filepath.Join(dir, "nope.yaml")})
		assert.NotNil(err)
	}
}
