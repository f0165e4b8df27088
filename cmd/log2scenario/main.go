package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/user/multirole-blue/tests"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/hci"
)

// JournalParser turns a link event journal into a replayable scenario. The
// journal only records link lifecycle events, so the scenario reproduces
// connects, disconnects and PHY changes and asserts the final link set.
type JournalParser struct {
	peers      map[string]*tests.PeerConfig // by address
	order      []string
	conns      map[uint16]string // handle -> peer id
	roles      map[string]string // peer id -> role while connected
	phys       map[string]string // peer id -> last PHY
	timeline   []tests.TimelineEvent
	assertions []tests.Assertion
	startTime  int64
	skipped    int
}

func main() {
	journal := flag.String("journal", "", "Path to a link_events.jsonl journal")
	output := flag.String("output", "scenario.json", "Output scenario file")
	name := flag.String("name", "Scenario from journal", "Scenario name")
	flag.Parse()

	if *journal == "" {
		fmt.Println("Usage: log2scenario --journal <link_events.jsonl> [--output scenario.json]")
		os.Exit(1)
	}

	f, err := os.Open(*journal)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer f.Close()

	parser := NewJournalParser()
	if err := parser.Parse(f); err != nil {
		log.Fatalf("Failed to parse journal: %v", err)
	}

	scenario := parser.Scenario(*name)
	if errs := scenario.Validate(); len(errs) > 0 {
		log.Fatalf("Generated scenario is invalid: %v", errs)
	}
	if err := scenario.Save(*output); err != nil {
		log.Fatalf("Failed to save scenario: %v", err)
	}

	fmt.Printf("Scenario saved to %s\n", *output)
	fmt.Printf("  Peers: %d\n", len(scenario.Peers))
	fmt.Printf("  Events: %d\n", len(scenario.Timeline))
	fmt.Printf("  Assertions: %d\n", len(scenario.Assertions))
	if parser.skipped > 0 {
		fmt.Printf("  Skipped lines: %d\n", parser.skipped)
	}
}

// NewJournalParser creates an empty parser
func NewJournalParser() *JournalParser {
	return &JournalParser{
		peers:      make(map[string]*tests.PeerConfig),
		conns:      make(map[uint16]string),
		roles:      make(map[string]string),
		phys:       make(map[string]string),
		timeline:   []tests.TimelineEvent{},
		assertions: []tests.Assertion{},
	}
}

// Parse reads JSONL link events. Lines that do not decode are counted and skipped.
func (p *JournalParser) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev wire.LinkEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			p.skipped++
			continue
		}
		p.handle(ev)
	}
	return scanner.Err()
}

func (p *JournalParser) handle(ev wire.LinkEvent) {
	if p.startTime == 0 {
		p.startTime = ev.Timestamp
	}
	timeMs := int((ev.Timestamp - p.startTime) / 1e6)

	switch ev.Event {
	case "link_established":
		if ev.Status != hci.StatusSuccess.String() || ev.Addr == "" {
			return
		}
		id := p.addPeer(ev.Addr)
		p.conns[ev.Conn] = id
		p.roles[id] = ev.Role
		if ev.Role == wire.RoleCentral.String() {
			p.addEvent(timeMs, tests.ActionScan, "", nil, "")
			p.addEvent(timeMs, tests.ActionConnect, id, nil, "")
		} else {
			p.addEvent(timeMs, tests.ActionAccept, id, nil, "")
		}

	case "link_terminated":
		id, ok := p.conns[ev.Conn]
		if !ok {
			return
		}
		delete(p.conns, ev.Conn)
		delete(p.roles, id)
		delete(p.phys, id)
		if ev.Status == hci.StatusLocalHostTerminated.String() {
			p.addEvent(timeMs, tests.ActionDisconnect, id, nil, "")
			return
		}
		p.addEvent(timeMs, tests.ActionPeerDisconnect, id,
			map[string]interface{}{"reason": float64(statusCode(ev.Status))}, ev.Status)

	case "phy_updated":
		id, ok := p.conns[ev.Conn]
		if !ok || ev.Status != hci.StatusSuccess.String() {
			return
		}
		rx := ev.Details["rx_phy"]
		if rx == "" || rx == p.phys[id] {
			return
		}
		p.phys[id] = rx
		p.addEvent(timeMs, tests.ActionSelect, id, nil, "")
		p.addEvent(timeMs, tests.ActionSetPHY, "", map[string]interface{}{"phy": strings.ToLower(rx)}, "")
	}
}

func (p *JournalParser) addPeer(addr string) string {
	if peer, ok := p.peers[addr]; ok {
		return peer.ID
	}
	id := fmt.Sprintf("peer-%d", len(p.peers)+1)
	p.peers[addr] = &tests.PeerConfig{ID: id, Address: addr}
	p.order = append(p.order, addr)
	return id
}

func (p *JournalParser) addEvent(timeMs int, action, target string, data map[string]interface{}, comment string) {
	p.timeline = append(p.timeline, tests.TimelineEvent{
		TimeMs:  timeMs,
		Action:  action,
		Target:  target,
		Data:    data,
		Comment: comment,
	})
}

// Scenario builds the scenario, asserting the link set at the end of the journal
func (p *JournalParser) Scenario(name string) *tests.Scenario {
	s := &tests.Scenario{
		Name:        name,
		Description: "Auto-generated from a link event journal",
		Peers:       []tests.PeerConfig{},
		Timeline:    p.timeline,
		Assertions:  p.assertions,
	}

	for _, addr := range p.order {
		peer := p.peers[addr]
		s.Peers = append(s.Peers, *peer)

		role, connected := p.roles[peer.ID]
		if !connected {
			s.Assertions = append(s.Assertions, tests.Assertion{Type: tests.AssertionDisconnected, Target: peer.ID})
			continue
		}
		s.Assertions = append(s.Assertions, tests.Assertion{
			Type:   tests.AssertionConnected,
			Target: peer.ID,
			Data:   map[string]interface{}{"role": role},
		})
		if phy, ok := p.phys[peer.ID]; ok {
			s.Assertions = append(s.Assertions, tests.Assertion{
				Type:   tests.AssertionPHY,
				Target: peer.ID,
				Data:   map[string]interface{}{"phy": phy},
			})
		}
	}

	s.Assertions = append(s.Assertions, tests.Assertion{
		Type: tests.AssertionLinkCount,
		Data: map[string]interface{}{"count": float64(len(p.conns))},
	})
	return s
}

// statusCode maps a journal status name back to its code
func statusCode(name string) hci.Status {
	for i := 0; i < 256; i++ {
		if hci.Status(i).String() == name {
			return hci.Status(i)
		}
	}
	return hci.StatusRemoteUserTerminated
}
