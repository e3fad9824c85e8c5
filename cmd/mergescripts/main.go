// Command mergescripts concatenates recorded session scripts into a
// single document. The first input's meta block wins; channel arrays
// are appended in argument order.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/script"
)

func main() {
	args := os.Args[1:]
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: mergescripts <input1.json> <input2.json> [...] <output.json>")
		os.Exit(1)
	}

	outputFile := args[len(args)-1]
	inputFiles := args[:len(args)-1]

	docs := make([]*script.Document, 0, len(inputFiles))
	for _, path := range inputFiles {
		fmt.Printf("Reading %s...\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		doc, err := script.Parse(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			os.Exit(1)
		}
		docs = append(docs, doc)
	}

	merged := script.Merge(docs...)

	out, err := json.Marshal(merged)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Writing merged data to %s...\n", outputFile)
	if err := os.WriteFile(outputFile, out, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Merged %d files into %s\n\nSummary:\n", len(inputFiles), outputFile)
	channels := make([]string, 0, len(merged.Channels))
	for ch := range merged.Channels {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)
	for _, ch := range channels {
		fmt.Printf("  %s: %d items\n", ch, len(merged.Channels[model.Channel(ch)]))
	}
}
