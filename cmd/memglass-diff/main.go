/*
 *
 * Copyright 2025 The memglass Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// memglass-diff attaches to a live session and streams field-level diffs
// between periodic snapshots.
//
// Usage:
//
//	memglass-diff [flags] <session>
//	memglass-diff -decode <file.mgd>
//
// Formats: text (default), json (one line per diff), json-pretty
// (indented), binary (mgd stream, use -output).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memglass/memglass"
	"github.com/memglass/memglass/diff"
)

func main() {
	var (
		intervalMS int
		format     string
		output     string
		emitAll    bool

		count  = flag.Int("count", 0, "number of diffs to emit, 0 for unlimited")
		decode = flag.String("decode", "", "decode an mgd file to text and exit")
	)
	flag.IntVar(&intervalMS, "interval", 1000, "milliseconds between snapshots")
	flag.IntVar(&intervalMS, "i", 1000, "shorthand for -interval")
	flag.StringVar(&format, "format", "text", "output format: text, json, json-pretty, binary")
	flag.StringVar(&format, "f", "text", "shorthand for -format")
	flag.StringVar(&output, "output", "", "output file, default stdout")
	flag.StringVar(&output, "o", "", "shorthand for -output")
	flag.BoolVar(&emitAll, "all", false, "emit empty diffs too")
	flag.BoolVar(&emitAll, "a", false, "shorthand for -all")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <session>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *decode != "" {
		if err := decodeFile(*decode, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "memglass-diff: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	session := flag.Arg(0)

	out := io.Writer(os.Stdout)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memglass-diff: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	emit, flush, err := emitter(format, out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memglass-diff: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(intervalMS) * time.Millisecond
	emitted, err := run(ctx, session, interval, *count, emitAll, emit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memglass-diff: %v\n", err)
		os.Exit(1)
	}
	if err := flush(); err != nil {
		fmt.Fprintf(os.Stderr, "memglass-diff: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "memglass-diff: %d diffs emitted\n", emitted)
}

// emitter returns the per-diff writer and a final flush for the format.
func emitter(format string, out io.Writer) (func(*diff.Diff) error, func() error, error) {
	noFlush := func() error { return nil }
	switch format {
	case "text":
		return func(d *diff.Diff) error { return d.WriteText(out) }, noFlush, nil
	case "json":
		return func(d *diff.Diff) error { return d.WriteJSON(out) }, noFlush, nil
	case "json-pretty":
		return func(d *diff.Diff) error { return d.WriteJSONIndent(out) }, noFlush, nil
	case "binary":
		w := diff.NewWriter(out)
		return func(d *diff.Diff) error {
			if err := w.WriteDiff(d); err != nil {
				return err
			}
			return w.Flush()
		}, w.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown format %q", format)
}

func run(ctx context.Context, session string, interval time.Duration, count int, emitAll bool, emit func(*diff.Diff) error) (int, error) {
	obs, err := memglass.Connect(session)
	if err != nil {
		return 0, err
	}
	defer obs.Close()
	fmt.Fprintf(os.Stderr, "memglass-diff: session %q pid %d, every %s\n",
		obs.Session(), obs.ProducerPID(), interval)

	prev, err := diff.Take(obs)
	if err != nil {
		return 0, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emitted := 0
	for count == 0 || emitted < count {
		select {
		case <-ctx.Done():
			return emitted, nil
		case <-ticker.C:
		}

		next, err := diff.Take(obs)
		if err != nil {
			return emitted, err
		}
		d := diff.Compute(prev, next)
		prev = next

		if d.Empty() && !emitAll {
			continue
		}
		if err := emit(d); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}

func decodeFile(path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := diff.NewReader(f)
	for {
		d, err := r.ReadDiff()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := d.WriteText(out); err != nil {
			return err
		}
	}
}
