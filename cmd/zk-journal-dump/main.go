package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"zk-agent-go/internal/output"
)

func main() {
	var (
		path      = flag.String("path", "", "Path to a capture journal .bin file")
		limit     = flag.Int("limit", 0, "Number of records to dump (0 dumps all)")
		withBytes = flag.Bool("bytes", false, "Include base64 template and image data")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	reader, err := output.NewReader(f)
	if err != nil {
		log.Fatalf("read journal: %v", err)
	}

	for count := 0; *limit <= 0 || count < *limit; count++ {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("record %d: %v", count, err)
			if entry.Size == 0 {
				return
			}
			continue
		}

		pretty, err := json.MarshalIndent(view(entry.Record, *withBytes), "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			continue
		}
		log.Printf("record %d kind=%s written=%s size=%d", count, entry.Record.Kind, entry.WrittenAt.Format(time.RFC3339Nano), entry.Size)
		fmt.Println(string(pretty))
	}
}

func view(rec output.Record, withBytes bool) map[string]any {
	out := map[string]any{"kind": rec.Kind}
	if s := rec.Sample; s != nil {
		sample := map[string]any{"info": s.Info()}
		if withBytes {
			sample["template"] = base64.StdEncoding.EncodeToString(s.Template)
			sample["image"] = base64.StdEncoding.EncodeToString(s.Image)
		}
		out["sample"] = sample
	}
	if rec.Access != nil {
		out["access"] = rec.Access
	}
	return out
}
