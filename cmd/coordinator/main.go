package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oddcrate/twopc/pkg/coordinator"
	"github.com/oddcrate/twopc/pkg/protocol"
	"github.com/oddcrate/twopc/pkg/snapshot"
)

const banner = `
coordinator shell — two-phase commit
Type 'help' for available commands, 'quit' to exit.
`

func main() {
	httpPort := flag.Int("http-port", 0, "observability HTTP surface port (0 disables it)")
	secret := flag.String("secret", "", "shared cluster secret for REGISTER tokens")
	snapshotCompression := flag.String("snapshot-compression", "zstd", "snapshot compression: zstd, gzip, snappy, none")
	flag.Parse()

	port := 5000
	if flag.NArg() > 0 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			log.Fatalf("coordinator: bad port %q: %v", flag.Arg(0), err)
		}
		port = p
	}

	coord := coordinator.New(nil)
	srv := coordinator.NewServer(coord, *secret)

	go func() {
		addr := fmt.Sprintf("localhost:%d", port)
		log.Printf("coordinator: listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil {
			log.Fatalf("coordinator: %v", err)
		}
	}()

	var httpSrv *coordinator.HTTPServer
	if *httpPort != 0 {
		httpSrv = coordinator.NewHTTPServer(coord)
		go func() {
			addr := fmt.Sprintf("localhost:%d", *httpPort)
			log.Printf("coordinator: observability surface on %s", addr)
			if err := httpSrv.ListenAndServe(addr); err != nil {
				log.Printf("coordinator: http surface: %v", err)
			}
		}()
	}

	shell := &shell{coord: coord, httpSrv: httpSrv, snapshotCompression: *snapshotCompression, scanner: bufio.NewScanner(os.Stdin)}
	fmt.Print(banner)
	if err := shell.run(); err != nil {
		log.Fatalf("coordinator: %v", err)
	}

	srv.Stop()
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Stop(ctx)
	}
}

type shell struct {
	coord               *coordinator.Coordinator
	httpSrv             *coordinator.HTTPServer
	snapshotCompression string
	scanner             *bufio.Scanner
}

func (s *shell) run() error {
	for {
		fmt.Print("coordinator> ")
		if !s.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		cmd := fields[0]

		switch cmd {
		case "help":
			s.help()
		case "list":
			s.list()
		case "tx":
			s.tx()
		case "crash":
			s.coord.Crash()
			fmt.Println("crash flag set")
		case "recover":
			s.coord.Recover()
			fmt.Println("recovery complete, crash flag cleared")
		case "status":
			s.status()
		case "snapshot":
			if len(fields) < 2 {
				fmt.Println("usage: snapshot <path>")
				continue
			}
			s.snapshot(fields[1])
		case "verify":
			if len(fields) < 2 {
				fmt.Println("usage: verify <path>")
				continue
			}
			s.verify(fields[1])
		case "quit", "exit":
			return s.scanner.Err()
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
	return s.scanner.Err()
}

func (s *shell) help() {
	fmt.Println(`commands:
  list                show the participant registry
  tx                  prompt for k=v pairs and start a transaction
  crash               set the crash flag
  recover             run the recovery reconciler, then clear the crash flag
  status              dump the transaction table
  snapshot <path>     export decision history to a compressed file
  verify <path>       decompress a snapshot and report its record count
  quit                exit the shell`)
}

func (s *shell) list() {
	for id, addr := range s.coord.Participants() {
		fmt.Printf("  %s\t%s:%d\n", id, addr.Host, addr.Port)
	}
}

func (s *shell) tx() {
	fmt.Print("enter comma-separated k=v pairs: ")
	if !s.scanner.Scan() {
		return
	}
	payload := protocol.Payload{}
	for _, pair := range strings.Split(s.scanner.Text(), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			fmt.Printf("skipping malformed pair %q\n", pair)
			continue
		}
		payload[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}

	// ExecuteTransaction polls for votes and acks for up to two full
	// PollMax windows, so it runs on its own goroutine: the scanner loop
	// must keep accepting crash/status/recover while a transaction is
	// in flight.
	go func() {
		txnID, status, err := s.coord.ExecuteTransaction(payload)
		if err != nil {
			log.Printf("tx: error: %v", err)
			return
		}
		log.Printf("tx: transaction %s finished as %s", txnID, status)
	}()
}

func (s *shell) status() {
	for id, rec := range s.coord.Transactions() {
		fmt.Printf("  %s\tstatus=%s votes=%v acks=%v\n", id, rec.Status, rec.Votes, rec.Acks)
	}
}

func (s *shell) snapshot(path string) {
	cfg, err := snapshot.ConfigForName(s.snapshotCompression)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := snapshot.Export(path, s.coord.History(), cfg); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("history exported to %s\n", path)
}

func (s *shell) verify(path string) {
	cfg, err := snapshot.ConfigForName(s.snapshotCompression)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	count, err := snapshot.Verify(path, cfg)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("%s decompresses cleanly: %d history records\n", path, count)
}
