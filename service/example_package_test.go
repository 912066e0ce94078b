// Copyright 2022-2023 The NATS Authors
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

package service_test

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/service"
)

// Example demonstrates building a small service with a root endpoint and
// a group of endpoints sharing a subject prefix.
func Example() {
	nc, err := nats.Connect("127.0.0.1:4222")
	if err != nil {
		log.Fatal(err)
	}
	defer nc.Close()

	echoHandler := service.HandlerFunc(func(req service.Request) {
		req.Respond(req.Data())
	})

	incrementHandler := service.HandlerFunc(func(req service.Request) {
		val, err := strconv.Atoi(string(req.Data()))
		if err != nil {
			req.Error(400, "request data should be a number", nil)
			return
		}
		req.Respond([]byte(strconv.Itoa(val + 1)))
	})

	multiplyHandler := service.HandlerFunc(func(req service.Request) {
		val, err := strconv.Atoi(string(req.Data()))
		if err != nil {
			req.Error(400, "request data should be a number", nil)
			return
		}
		req.Respond([]byte(strconv.Itoa(val * 2)))
	})

	svc, err := service.New(nc, service.Config{
		Name:        "IncrementService",
		Version:     "0.1.0",
		Description: "Increment and multiply numbers",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer svc.Stop()

	if err := svc.AddEndpoint("echo", echoHandler); err != nil {
		log.Fatal(err)
	}

	numbers := svc.AddGroup("numbers")
	if err := numbers.AddEndpoint("Increment", incrementHandler); err != nil {
		log.Fatal(err)
	}
	if err := numbers.AddEndpoint("Multiply", multiplyHandler); err != nil {
		log.Fatal(err)
	}

	resp, err := nc.Request("numbers.Increment", []byte("3"), 1*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	responseVal, err := strconv.Atoi(string(resp.Data))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(responseVal)
}
