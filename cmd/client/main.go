// Command client drives a reference training loop against an Execution
// Server using the Client Iterable (spec §4.7, C7). It exists to
// exercise internal/client end to end; a real training script would
// embed the package directly instead of shelling out to this binary.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/szegedai/distributed-adversarial-training/internal/client"
	"github.com/szegedai/distributed-adversarial-training/internal/transport"
)

func main() {
	host := "localhost:8080"
	if len(os.Args) > 1 {
		host = os.Args[1]
	}

	t := transport.New("http://"+host, 0)
	c := client.New(t, 64, 4, 1)

	setup := client.SetupSpec{
		Dataset: mustEncodeSpec("in_memory", map[string]interface{}{
			"batches": []map[string]string{{"x": "eA==", "y": "eQ=="}},
		}),
		Dataloader: encodeDataloaderSetup("sequential", map[string]interface{}{"shuffle": true}, 3, 16),
		Attack:     mustEncodeSpec("linf_pgd", map[string]interface{}{"eps": 8, "steps": 1}),
		Model:      encodeModelSetup(true, "in_memory", map[string]interface{}{"architecture": "reference"}),
		ModelState: []byte{},
		Parameters: encodeParameters(3, 16),
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down client...")
		cancel()
	}()

	if err := c.Start(ctx, setup); err != nil {
		log.Fatalf("client setup failed: %v", err)
	}
	log.Printf("Client started, epoch length %d batches", c.NumBatches())

	for epoch := 0; ; epoch++ {
		for step := 0; step < c.NumBatches(); step++ {
			if ctx.Err() != nil {
				return
			}
			batch, err := c.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("fetch batch: %v", err)
				continue
			}
			_ = batch // a real training loop would step an optimizer here
		}
		if _, _, stateID, err := c.VersionsSnapshot(ctx); err == nil {
			log.Printf("epoch %d complete (%d batches), model_state_id now %d", epoch, c.NumBatches(), stateID)
		} else {
			log.Printf("epoch %d complete (%d batches)", epoch, c.NumBatches())
		}
		c.PushModelState([]byte(nil))
	}
}

func mustEncodeSpec(factory string, params map[string]interface{}) []byte {
	p, err := json.Marshal(params)
	if err != nil {
		log.Fatalf("encode spec params: %v", err)
	}
	body, err := json.Marshal(map[string]json.RawMessage{
		"factory": json.RawMessage(`"` + factory + `"`),
		"params":  p,
	})
	if err != nil {
		log.Fatalf("encode spec: %v", err)
	}
	return body
}

func encodeDataloaderSetup(factory string, params map[string]interface{}, maxPatience, queueLimit uint64) []byte {
	spec := mustEncodeSpec(factory, params)
	return append(spec, encodeUint64Pair(maxPatience, queueLimit)...)
}

func encodeModelSetup(newArchitecture bool, factory string, params map[string]interface{}) []byte {
	flag := byte(0)
	if newArchitecture {
		flag = 1
	}
	spec := mustEncodeSpec(factory, params)
	return append([]byte{flag}, spec...)
}

func encodeParameters(maxPatience, queueLimit uint64) []byte {
	return encodeUint64Pair(maxPatience, queueLimit)
}

func encodeUint64Pair(a, b uint64) []byte {
	buf := make([]byte, 16)
	putUint64(buf[:8], a)
	putUint64(buf[8:], b)
	return buf
}

func putUint64(buf []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}
