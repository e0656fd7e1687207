// Command schema-exporter dumps the JSON Schema of every registered
// method so API clients and documentation stay in sync with the daemon.
//
// For each public method it writes <out>/<service>.<method>.json holding
// the method's metadata and the JSON Schema of its parameter list, after
// verifying the generated document compiles as a JSON Schema.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
)

func main() {
	outDir := flag.String("out", "./schemas", "Output directory for schemas")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	reg, engine, err := buildRegistry(logger)
	if err != nil {
		log.Fatalf("Failed to build registry: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	count, err := exportSchemas(reg, engine, *outDir)
	if err != nil {
		log.Fatalf("Export failed: %v", err)
	}
	log.Printf("Exported %d method schemas to %s", count, *outDir)
}
