// Package main demonstrates the runtime's fault reporting paths.
// It walks through the three violation families (out-of-bounds
// derivation, double free, and access through a freed pointer) with
// the continue-on-fault policy enabled so every alert prints without
// terminating the demo.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/vigilmem/vigil"
	"github.com/vigilmem/vigil/internal/config"
)

func main() {
	configPath := flag.String("config", "", "optional JSON configuration file")
	flag.Parse()

	cfg := config.Default()
	cfg.ContinueOnFault = true
	cfg.TolerateExhaustion = true
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("load configuration: %v", err)
		}
		cfg = loaded
		cfg.ContinueOnFault = true
	}
	cfg = config.FromEnv(cfg)

	rt := vigil.InitRuntime(cfg)
	rt.Reporter().SetAbort(func(int) {}) // every scenario should print and move on

	fmt.Println("=== Vigil Runtime Fault Demo ===")
	fmt.Println()

	p := rt.PoolInit("demo", 16)
	defer rt.PoolDestroy(p)

	fmt.Println("--- Scenario 1: out-of-bounds derivation ---")
	arr := rt.PoolAlloc(p, 64)
	fmt.Printf("allocated 64 bytes at %#x\n", arr)

	end, err := rt.BoundsCheck(p, arr, arr+64)
	fmt.Printf("one-past-the-end pointer rewritten to %#x (err=%v)\n", end, err)
	if actual, err := rt.GetActualValue(end); err == nil {
		fmt.Printf("sentinel resolves back to %#x\n", actual)
	}
	if _, err := rt.BoundsCheck(p, arr, arr+80); err != nil {
		fmt.Printf("escaping derivation flagged: %v\n", err)
	}
	fmt.Println()

	fmt.Println("--- Scenario 2: double free ---")
	obj := rt.PoolAlloc(p, 16)
	if err := rt.PoolFree(p, obj); err != nil {
		log.Fatalf("first free failed: %v", err)
	}
	if err := rt.PoolFree(p, obj); err != nil {
		fmt.Printf("second free flagged: %v\n", err)
	}
	fmt.Println()

	fmt.Println("--- Scenario 3: access through a freed pointer ---")
	stale := rt.PoolAlloc(p, 16)
	if err := rt.Store(stale, []byte("live data")); err != nil {
		log.Fatalf("store to live object failed: %v", err)
	}
	if err := rt.PoolFree(p, stale); err != nil {
		log.Fatalf("free failed: %v", err)
	}
	if data, err := rt.Load(stale, 9); err == nil {
		// Continue-on-fault restored access after the alert above.
		fmt.Printf("read after free continued with %q\n", data)
	} else {
		fmt.Printf("read after free stopped: %v\n", err)
	}
	fmt.Println()

	st := rt.PoolStatsOf(p)
	fmt.Printf("pool footprint: %d slab(s), %d node(s) live, %d quarantined, %d alert(s) raised\n",
		st.Slabs+st.LargeSlabs, st.NodesInUse, st.Quarantined, rt.Reporter().Alerts())
}
