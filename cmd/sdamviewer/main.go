// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Command sdamviewer connects to a seed list and prints every topology
// description change it observes, for watching SDAM state transitions
// against a live deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meridiandb/go-driver-core/description"
	"github.com/meridiandb/go-driver-core/x/mongo/driver/topology"
)

func main() {
	var (
		seeds    = flag.String("seeds", os.Getenv("SDAMVIEWER_SEEDS"), "comma-separated host:port seed list")
		setName  = flag.String("set", os.Getenv("SDAMVIEWER_SET"), "replica set name, if connecting to a replica set")
		single   = flag.Bool("single", false, "force single-server topology mode")
		interval = flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	)
	flag.Parse()

	if *seeds == "" {
		*seeds = "localhost:27017"
	}
	addrs := strings.Split(*seeds, ",")

	opts := []topology.TopologyOption{
		topology.WithSeedList(addrs...),
		topology.WithServerSelectionTimeout(5 * time.Second),
		topology.WithTopologyServerOptions(
			topology.WithHeartbeatInterval(*interval),
		),
	}
	if *setName != "" {
		opts = append(opts, topology.WithReplicaSetName(*setName))
	}
	if *single {
		opts = append(opts, topology.WithSingleMode())
	}

	topo, err := topology.New(opts...)
	if err != nil {
		log.Fatalf("sdamviewer: %v", err)
	}
	if err := topo.Connect(); err != nil {
		log.Fatalf("sdamviewer: connect: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, unsub := topo.Subscribe()
	defer unsub()

	fmt.Printf("sdamviewer: watching %s\n", *seeds)
	for {
		select {
		case desc := <-ch:
			printTopology(desc)
		case <-ctx.Done():
			fmt.Println("sdamviewer: shutting down")
			_ = topo.Disconnect(context.Background())
			return
		}
	}
}

func printTopology(desc description.Topology) {
	fmt.Printf("[%s] kind=%s setName=%q servers=%d\n",
		time.Now().Format(time.RFC3339), desc.Kind, desc.SetName, len(desc.Servers))
	for _, s := range desc.Servers {
		rtt := "?"
		if s.AverageRTTSet {
			rtt = s.AverageRTT.String()
		}
		errStr := ""
		if s.LastError != nil {
			errStr = fmt.Sprintf(" error=%v", s.LastError)
		}
		fmt.Printf("    %-32s %-16s rtt=%-10s%s\n", s.Addr, s.Kind, rtt, errStr)
	}
}
