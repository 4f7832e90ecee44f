package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/oddcrate/twopc/pkg/participant"
)

const banner = `
participant shell — two-phase commit cohort member
Type 'help' for available commands, 'quit' to exit.
`

func main() {
	secret := flag.String("secret", "", "token sent with REGISTER, must match the coordinator's secret")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("usage: participant <participant_id> [port] [coordinator_port]")
	}
	id := flag.Arg(0)

	port := 6000
	if flag.NArg() > 1 {
		p, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			log.Fatalf("participant: bad port %q: %v", flag.Arg(1), err)
		}
		port = p
	}

	coordPort := 5000
	if flag.NArg() > 2 {
		p, err := strconv.Atoi(flag.Arg(2))
		if err != nil {
			log.Fatalf("participant: bad coordinator port %q: %v", flag.Arg(2), err)
		}
		coordPort = p
	}

	client := &participant.TCPClient{
		CoordinatorAddr: fmt.Sprintf("localhost:%d", coordPort),
		Secret:          *secret,
	}
	p := participant.New(id, "localhost", port, client)

	srv := participant.NewServer(p)
	go func() {
		addr := fmt.Sprintf("localhost:%d", port)
		log.Printf("participant %s: listening on %s", id, addr)
		if err := srv.ListenAndServe(addr); err != nil {
			log.Fatalf("participant %s: %v", id, err)
		}
	}()

	if err := client.Register(id, "localhost", port, ""); err != nil {
		log.Fatalf("participant %s: register: %v", id, err)
	}
	fmt.Printf("registered %s with coordinator on port %d\n", id, coordPort)

	sh := &shell{p: p, scanner: bufio.NewScanner(os.Stdin)}
	fmt.Print(banner)
	if err := sh.run(); err != nil {
		log.Fatalf("participant %s: %v", id, err)
	}

	srv.Stop()
}

type shell struct {
	p       *participant.Participant
	scanner *bufio.Scanner
}

func (s *shell) run() error {
	for {
		fmt.Print("participant> ")
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
		case "status":
			s.status()
		case "data":
			s.data()
		case "vote":
			s.vote(fields)
		case "ack":
			s.ack(fields)
		case "crash":
			s.p.Crash()
			fmt.Println("crash flag set, pending slots discarded")
		case "recover":
			if err := s.p.Recover(); err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println("recovery complete, crash flag cleared")
		case "fail":
			s.fail()
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
  status          show collection sizes and pending slots
  data            dump committed transactions
  vote yes|no     resolve the pending vote
  ack commit|abort resolve the pending commit/abort
  crash           set the crash flag, discarding pending slots
  recover         re-fetch history from the coordinator and clear the crash flag
  fail            set the failure-injection rate
  quit            exit the shell`)
}

func (s *shell) status() {
	st := s.p.Status()
	fmt.Printf("prepared=%d committed=%d aborted=%d\n", st.Prepared, st.Committed, st.Aborted)
	fmt.Printf("pending_vote=%q pending_commit=%q pending_abort=%q\n", st.PendingVote, st.PendingCommit, st.PendingAbort)
}

func (s *shell) data() {
	for id, payload := range s.p.Committed() {
		fmt.Printf("  %s\t%v\n", id, payload)
	}
}

func (s *shell) vote(fields []string) {
	if len(fields) < 2 {
		fmt.Println("usage: vote yes|no")
		return
	}
	var yes bool
	switch fields[1] {
	case "yes":
		yes = true
	case "no":
		yes = false
	default:
		fmt.Println("usage: vote yes|no")
		return
	}
	if err := s.p.Vote(yes); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (s *shell) ack(fields []string) {
	if len(fields) < 2 {
		fmt.Println("usage: ack commit|abort")
		return
	}
	var err error
	switch fields[1] {
	case "commit":
		err = s.p.AckCommit()
	case "abort":
		err = s.p.AckAbort()
	default:
		fmt.Println("usage: ack commit|abort")
		return
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (s *shell) fail() {
	fmt.Print("failure rate [0,1]: ")
	if !s.scanner.Scan() {
		return
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(s.scanner.Text()), 64)
	if err != nil || rate < 0 || rate > 1 {
		fmt.Println("rate must be a number in [0,1]")
		return
	}
	s.p.SetFailureRate(rate)
}
