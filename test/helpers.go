// Copyright 2018 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package test holds integration tests that run against an embedded
// nats-server/v2 instance, plus the helpers they share.
package test

import (
	"fmt"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// testPort is fixed (rather than letting the OS pick one) so
// NewDefaultConnection doesn't need the *server.Server handle back from
// RunDefaultServer.
const testPort = 8368

// RunDefaultServer starts an embedded broker on testPort.
func RunDefaultServer() *server.Server {
	opts := natsserver.DefaultTestOptions
	opts.Port = testPort
	return natsserver.RunServer(&opts)
}

// NewDefaultConnection connects to the broker started by RunDefaultServer.
func NewDefaultConnection(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", testPort))
	if err != nil {
		t.Fatalf("Failed to create default connection: %v", err)
	}
	return nc
}
