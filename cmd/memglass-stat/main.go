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

// memglass-stat prints table and region occupancy for a live session.
// With -watch it re-prints whenever the session's structural sequence
// moves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/memglass/memglass"
)

func main() {
	var (
		watch    = flag.Bool("watch", false, "re-print on structural changes")
		interval = flag.Duration("interval", time.Second, "poll interval with -watch")
		listObjs = flag.Bool("objects", false, "list live objects")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <session>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	session := flag.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, session, *watch, *interval, *listObjs); err != nil {
		fmt.Fprintf(os.Stderr, "memglass-stat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, session string, watch bool, interval time.Duration, listObjs bool) error {
	obs, err := memglass.Connect(session)
	if err != nil {
		return err
	}
	defer obs.Close()

	lastSeq := uint64(0)
	first := true
	for {
		s, err := obs.Stats()
		if err != nil {
			return err
		}
		if first || s.Sequence != lastSeq {
			if err := report(os.Stdout, obs, s, listObjs); err != nil {
				return err
			}
			lastSeq = s.Sequence
			first = false
		}
		if !watch {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func report(out *os.File, obs *memglass.Observer, s memglass.SessionStats, listObjs bool) error {
	fmt.Fprintf(out, "session %q pid %d started %s seq %d\n",
		s.Session, s.ProducerPID,
		time.Unix(0, int64(s.StartTimestamp)).Format(time.RFC3339), s.Sequence)
	fmt.Fprintf(out, "  types   %d/%d\n", s.TypeCount, s.TypeCap)
	fmt.Fprintf(out, "  fields  %d/%d\n", s.FieldCount, s.FieldCap)
	fmt.Fprintf(out, "  objects %d alive, %d/%d slots\n", s.AliveObjects, s.ObjectSlots, s.ObjectCap)
	for _, r := range s.Regions {
		fmt.Fprintf(out, "  region %d: %d/%d bytes\n", r.ID, r.Used, r.Size)
	}

	if !listObjs {
		return nil
	}
	views, err := obs.Objects()
	if err != nil {
		return err
	}
	for _, v := range views {
		fmt.Fprintf(out, "  object %q type %s gen %d\n", v.Label(), v.TypeName(), v.Generation())
	}
	return nil
}
