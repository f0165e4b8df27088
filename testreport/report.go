// Package testreport summarizes the link event journals under a data
// directory into a markdown report and flags links that ended badly.
package testreport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/hci"
)

const journalFile = "link_events.jsonl"

// InstanceInfo holds what one controller instance's journal recorded
type InstanceInfo struct {
	ID          string
	Established int
	Terminated  int
	Reasons     map[string]int // termination reason -> count
	PHYChanges  int
	ParamUpdate int
	Pairings    int
	OpenLinks   map[uint16]string // handle -> peer address, still up at the end
	Events      []wire.LinkEvent
}

// TestIssue tracks problems found in a journal
type TestIssue struct {
	Severity    string // "ERROR" or "WARNING"
	Instance    string
	Conn        uint16
	Description string
	Timeline    []string
}

// expectedReasons end a link without raising an issue
var expectedReasons = map[string]bool{
	hci.StatusLocalHostTerminated.String():  true,
	hci.StatusRemoteUserTerminated.String(): true,
}

// Generate writes a report for every journal under dataDir and returns its path
func Generate(dataDir string) (string, []TestIssue, error) {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	reportPath := filepath.Join(dataDir, fmt.Sprintf("link_report_%s.md", timestamp))

	instances, err := discoverInstances(dataDir)
	if err != nil {
		return "", nil, fmt.Errorf("error discovering journals: %w", err)
	}
	if len(instances) == 0 {
		return "", nil, fmt.Errorf("no journals found in %s", dataDir)
	}

	var issues []TestIssue
	for _, inst := range instances {
		issues = append(issues, detectIssues(inst)...)
	}

	report := generateReport(timestamp, instances, issues)
	if err := os.WriteFile(reportPath, []byte(report), 0644); err != nil {
		return "", nil, fmt.Errorf("error writing report: %w", err)
	}
	return reportPath, issues, nil
}

func discoverInstances(dataDir string) ([]*InstanceInfo, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}

	var instances []*InstanceInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dataDir, entry.Name(), journalFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		inst, err := loadInstance(entry.Name(), path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func loadInstance(id, path string) (*InstanceInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	inst := &InstanceInfo{
		ID:        id,
		Reasons:   make(map[string]int),
		OpenLinks: make(map[uint16]string),
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev wire.LinkEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		inst.add(ev)
	}
	return inst, scanner.Err()
}

func (inst *InstanceInfo) add(ev wire.LinkEvent) {
	inst.Events = append(inst.Events, ev)
	switch ev.Event {
	case "link_established":
		if ev.Status == hci.StatusSuccess.String() {
			inst.Established++
			inst.OpenLinks[ev.Conn] = ev.Addr
		}
	case "link_terminated":
		inst.Terminated++
		inst.Reasons[ev.Status]++
		delete(inst.OpenLinks, ev.Conn)
	case "phy_updated":
		inst.PHYChanges++
	case "params_updated":
		inst.ParamUpdate++
	case "pairing":
		inst.Pairings++
	}
}

func detectIssues(inst *InstanceInfo) []TestIssue {
	var issues []TestIssue

	for _, ev := range inst.Events {
		var severity, desc string
		switch {
		case ev.Event == "link_terminated" && !expectedReasons[ev.Status]:
			severity = "WARNING"
			desc = fmt.Sprintf("link %d ended: %s", ev.Conn, ev.Status)
			if ev.Status == hci.StatusMemoryCapacityExceeded.String() {
				desc = fmt.Sprintf("link %d refused, connection table full", ev.Conn)
			}
		case ev.Event == "params_updated" && ev.Status != hci.StatusSuccess.String():
			severity = "WARNING"
			desc = fmt.Sprintf("parameter update on link %d failed: %s", ev.Conn, ev.Status)
		case ev.Event == "phy_updated" && ev.Status != hci.StatusSuccess.String():
			severity = "WARNING"
			desc = fmt.Sprintf("PHY change on link %d failed: %s", ev.Conn, ev.Status)
		case ev.Event == "pairing" && ev.Status != hci.StatusSuccess.String():
			severity = "ERROR"
			desc = fmt.Sprintf("pairing on link %d failed in state %s: %s", ev.Conn, ev.Details["state"], ev.Status)
		default:
			continue
		}

		issues = append(issues, TestIssue{
			Severity:    severity,
			Instance:    inst.ID,
			Conn:        ev.Conn,
			Description: desc,
			Timeline:    linkTimeline(inst, ev.Conn),
		})
	}

	return issues
}

// linkTimeline lists the journal lines of one connection handle
func linkTimeline(inst *InstanceInfo, conn uint16) []string {
	var lines []string
	for _, ev := range inst.Events {
		if ev.Conn != conn {
			continue
		}
		at := time.Unix(0, ev.Timestamp).Format("15:04:05.000")
		line := fmt.Sprintf("%s %s", at, ev.Event)
		if ev.Status != "" {
			line += " (" + ev.Status + ")"
		}
		if ev.Addr != "" {
			line += " " + ev.Addr
		}
		lines = append(lines, line)
	}
	return lines
}

func generateReport(timestamp string, instances []*InstanceInfo, issues []TestIssue) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Link Report: %s\n\n", timestamp))

	sb.WriteString("## Instances\n\n")
	sb.WriteString("| Instance | Established | Terminated | PHY changes | Param updates | Pairing events | Open at end |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")
	for _, inst := range instances {
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %d | %d | %d | %d |\n",
			inst.ID, inst.Established, inst.Terminated, inst.PHYChanges, inst.ParamUpdate, inst.Pairings, len(inst.OpenLinks)))
	}
	sb.WriteString("\n")

	sb.WriteString("## Termination Reasons\n\n")
	for _, inst := range instances {
		if len(inst.Reasons) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("### %s\n\n", inst.ID))
		reasons := make([]string, 0, len(inst.Reasons))
		for reason := range inst.Reasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			sb.WriteString(fmt.Sprintf("- %s: %d\n", reason, inst.Reasons[reason]))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Issues\n\n")
	if len(issues) == 0 {
		sb.WriteString("None.\n")
		return sb.String()
	}
	for _, issue := range issues {
		sb.WriteString(fmt.Sprintf("### [%s] %s: %s\n\n", issue.Severity, issue.Instance, issue.Description))
		for _, line := range issue.Timeline {
			sb.WriteString("    " + line + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
