// Copyright 2026 The jive5ab-bridge Authors
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

// Package concurrency_tests provides concurrent benchmarks for jive5ab-bridge.
package concurrency_tests

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/turtacn/jive5ab-bridge/pkg/actor"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/katcp"
	"github.com/turtacn/jive5ab-bridge/pkg/sensor"
	"github.com/turtacn/jive5ab-bridge/pkg/translator"
)

// BenchmarkKatcpParse measures request decoding.
func BenchmarkKatcpParse(b *testing.B) {
	line := "?configure-network[42] udps 46227\n"
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := katcp.Parse(line); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkKatcpEncode measures sensor inform encoding.
func BenchmarkKatcpEncode(b *testing.B) {
	m := katcp.NewInform("sensor-status", nil, "1700000000.250", "1", "jive5ab-scan", "nominal", "exp001 scan1")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = katcp.Encode(m)
	}
}

// BenchmarkParseReply measures jive5ab reply decoding.
func BenchmarkParseReply(b *testing.B) {
	line := "!status? 0 : 0x00000001 : 123456789 ;"
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = jive.ParseReply(line)
		}
	})
}

// BenchmarkTranslatorPlan measures request to command translation.
func BenchmarkTranslatorPlan(b *testing.B) {
	tr := translator.New()
	args := []string{"udps", "46227"}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tr.Plan("configure-network", args); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSensorStoreSet measures publishing to a store with subscribers.
func BenchmarkSensorStoreSet(b *testing.B) {
	for _, subs := range []int{0, 10, 100} {
		b.Run(fmt.Sprintf("subscribers-%d", subs), func(b *testing.B) {
			store := sensor.NewStore(nil)
			if err := store.Register(sensor.Definition{Name: "bench", Type: sensor.TypeInteger}); err != nil {
				b.Fatal(err)
			}
			mb := actor.NewMailbox(1)
			for i := 0; i < subs; i++ {
				if _, err := store.Subscribe("bench", strconv.Itoa(i), func(v sensor.Value) { mb.TrySend(v) }); err != nil {
					b.Fatal(err)
				}
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := store.Set("bench", strconv.Itoa(i), sensor.StatusNominal); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkSensorStoreGet measures concurrent reads.
func BenchmarkSensorStoreGet(b *testing.B) {
	store := sensor.NewStore(nil)
	for i := 0; i < 16; i++ {
		if err := store.Register(sensor.Definition{Name: fmt.Sprintf("bench-%d", i)}); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = store.Get(fmt.Sprintf("bench-%d", i%16))
			i++
		}
	})
}

// BenchmarkMailboxThroughput measures send/receive through one mailbox.
func BenchmarkMailboxThroughput(b *testing.B) {
	mb := actor.NewMailbox(1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < b.N; i++ {
			if _, err := mb.Receive(ctx); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mb.Send(i)
	}
	<-done
}
