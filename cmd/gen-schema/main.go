// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema generates the JSON Schema for plugin.yaml manifests.
//
// With --check it compares the generated schema against the file on disk and
// exits non-zero when they differ.
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/holomush/harness/internal/plugin"
)

func main() {
	outPath := pflag.StringP("out", "o", filepath.Join("schemas", "harness-plugin.schema.json"), "output file")
	check := pflag.Bool("check", false, "fail if the output file is out of date")
	pflag.Parse()

	schema, err := plugin.GenerateSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schema: %v\n", err)
		os.Exit(1)
	}

	if *check {
		current, err := os.ReadFile(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		if !bytes.Equal(bytes.TrimSpace(current), bytes.TrimSpace(schema)) {
			fmt.Fprintf(os.Stderr, "%s is out of date; run gen-schema\n", *outPath)
			os.Exit(1)
		}
		return
	}

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*outPath, append(schema, '\n'), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s\n", *outPath)
}
