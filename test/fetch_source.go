// Poll an instrument a few times and print what it returns.
//
// Usage:
//
//	go run test/fetch_source.go [host:port] [count]
//
// Defaults to 127.0.0.1:18813 and 5 fetches.
package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"labrecorder/internal/source"
	"labrecorder/internal/source/rpcsource"
)

func main() {
	addr := "127.0.0.1:18813"
	count := 5

	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid count: %v\n", err)
			os.Exit(1)
		}
		count = n
	}

	id, err := source.ParseID(addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	dialer := &rpcsource.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.Dial(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	if c, ok := conn.(*rpcsource.Conn); ok {
		fmt.Printf("Connected to %s (provider %s, fields %v)\n", addr, c.Provider(), c.Fields())
	}

	for i := range count {
		values, err := conn.Fetch(ctx, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch %d: %v\n", i+1, err)
			os.Exit(1)
		}
		fmt.Printf("%d:", i+1)
		for _, k := range slices.Sorted(maps.Keys(values)) {
			fmt.Printf(" %s=%v", k, values[k])
		}
		fmt.Println()
		time.Sleep(time.Second)
	}
}
