package main

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/user/glowlink/config"
	"github.com/user/glowlink/engine"
	"github.com/user/glowlink/gatt"
	"github.com/user/glowlink/ota"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	fwSize := flag.Int("fw-size", 4096, "simulated firmware image size in bytes")
	flag.Parse()

	fmt.Println("=== glowlink demo: LED commands + OTA over a simulated transport ===")

	transport := gatt.NewSimTransport(gatt.DefaultSimConfig())

	var eng *engine.Engine
	if *configPath != "" {
		var err error
		eng, err = engine.NewFromFile(*configPath, transport)
		if err != nil {
			fmt.Printf("config error: %v\n", err)
			return
		}
	} else {
		eng = engine.New(config.Default(), transport)
	}
	defer eng.Close()

	peers := []string{"AA:11:22:33:44:55", "BB:11:22:33:44:66"}
	for _, p := range peers {
		transport.Connect(p)
	}

	// Color storm: rapid updates per peer, coalesced down to the latest.
	fmt.Println("\n-- color storm --")
	for _, p := range peers {
		eng.Led.SetPower(p, true)
		for i := 0; i < 50; i++ {
			eng.Led.SetColor(p, uint8(5*i), 0x40, uint8(255-5*i))
		}
	}
	time.Sleep(300 * time.Millisecond)
	for _, p := range peers {
		fmt.Printf("  %s: %d frame(s) actually written\n", p, len(transport.Writes(p)))
	}

	// OTA transfer on the first peer.
	fmt.Println("\n-- ota transfer --")
	firmware := make([]byte, *fwSize)
	for i := range firmware {
		firmware[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	last := -1
	err := eng.StartOta(peers[0], firmware, ota.Options{
		OnProgress: func(percent int) {
			if percent/10 != last/10 {
				fmt.Printf("  progress: %d%%\n", percent)
			}
			last = percent
		},
		OnResult: func(ok bool, message string) {
			if ok {
				fmt.Println("  result: completed")
			} else {
				fmt.Printf("  result: failed (%s)\n", message)
			}
			wg.Done()
		},
	})
	if err != nil {
		fmt.Printf("start failed: %v\n", err)
		return
	}
	wg.Wait()

	fmt.Println("\ndone")
}
