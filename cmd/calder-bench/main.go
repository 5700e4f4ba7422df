package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/calderdb/calder/pkg/config"
	"github.com/calderdb/calder/pkg/engine"
	"github.com/calderdb/calder/pkg/logging"
)

func main() {
	dir := flag.String("dir", "./data/calder-bench", "Data directory")
	configPath := flag.String("config", "", "Optional YAML config file")
	writes := flag.Int("writes", 100000, "Number of writes")
	reads := flag.Int("reads", 10000, "Number of reads")
	scans := flag.Int("scans", 100, "Number of range scans")
	scanSize := flag.Int("scan-size", 1000, "Keys per range scan")
	valueSize := flag.Int("value-size", 1024, "Value size in bytes")
	batchSize := flag.Int("batch-size", 1, "Writes per batch")
	noSync := flag.Bool("no-sync", false, "Disable WAL fsync per batch")
	flag.Parse()

	fmt.Printf("Calder storage benchmark\n")
	fmt.Printf("========================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Writes: %d (batch size %d)\n", *writes, *batchSize)
	fmt.Printf("  Reads: %d\n", *reads)
	fmt.Printf("  Scans: %d x %d keys\n", *scans, *scanSize)
	fmt.Printf("  Value size: %d bytes\n\n", *valueSize)

	os.RemoveAll(*dir)

	var opts engine.Options
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		opts = engine.OptionsFromConfig(cfg)
		opts.Dir = *dir
	} else {
		opts = engine.DefaultOptions(*dir)
	}
	if *noSync {
		opts.WALSync = false
	}
	opts.Logger = logging.NewNopLogger()

	db, err := engine.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	value := make([]byte, *valueSize)
	rand.Read(value)

	// Sequential writes
	fmt.Printf("Benchmark 1: Sequential writes\n")
	start := time.Now()
	batch := engine.NewBatch()
	for i := 0; i < *writes; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(i))
		batch.Put(key, value)
		if batch.Len() >= *batchSize {
			if err := db.Write(batch); err != nil {
				log.Fatalf("Write failed: %v", err)
			}
			batch.Reset()
		}
	}
	if batch.Len() > 0 {
		if err := db.Write(batch); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
	}
	report("writes", *writes, time.Since(start))
	fmt.Printf("  Data written: %.2f MB\n", float64(*writes**valueSize)/(1024*1024))

	// Random reads
	fmt.Printf("\nBenchmark 2: Random reads\n")
	start = time.Now()
	found := 0
	for i := 0; i < *reads; i++ {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(rand.Intn(*writes)))
		_, ok, err := db.Get(key)
		if err != nil {
			log.Fatalf("Read failed: %v", err)
		}
		if ok {
			found++
		}
	}
	report("reads", *reads, time.Since(start))
	fmt.Printf("  Found: %d/%d\n", found, *reads)

	// Range scans
	fmt.Printf("\nBenchmark 3: Range scans\n")
	start = time.Now()
	totalResults := 0
	for i := 0; i < *scans; i++ {
		startIdx := rand.Intn(*writes - *scanSize)
		lo := make([]byte, 8)
		hi := make([]byte, 8)
		binary.BigEndian.PutUint64(lo, uint64(startIdx))
		binary.BigEndian.PutUint64(hi, uint64(startIdx+*scanSize))

		it, err := db.Scan(lo, hi)
		if err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		for it.Next() {
			totalResults++
		}
		if err := it.Err(); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		it.Close()
	}
	report("scans", *scans, time.Since(start))
	fmt.Printf("  Keys returned: %d\n", totalResults)

	// Compaction
	fmt.Printf("\nBenchmark 4: Full compaction\n")
	start = time.Now()
	if err := db.CompactNow(); err != nil {
		log.Fatalf("Compaction failed: %v", err)
	}
	fmt.Printf("  Completed in %v\n", time.Since(start))

	stats := db.Stats()
	fmt.Printf("\nEngine state:\n")
	fmt.Printf("  Flushes: %d\n", stats.Flushes)
	fmt.Printf("  Compactions: %d\n", stats.Compactions)
	fmt.Printf("  Runs per level: %v\n", stats.RunsPerLevel)
	fmt.Printf("  Disk usage: %.2f MB\n", float64(stats.DiskUsageBytes)/(1024*1024))
	fmt.Printf("  WAL segments: %d\n", stats.WALSegments)
}

func report(op string, n int, d time.Duration) {
	fmt.Printf("  Completed %d %s in %v\n", n, op, d)
	fmt.Printf("  Average: %dus per op\n", d.Microseconds()/int64(n))
	fmt.Printf("  Throughput: %.0f ops/sec\n", float64(n)/d.Seconds())
}
