package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/util"
	"github.com/user/multirole-blue/wire/hci"
	"github.com/user/multirole-blue/wire/l2cap"
)

// LinkEvent is one line of the link event journal
type LinkEvent struct {
	Timestamp int64             `json:"timestamp"` // nanoseconds since epoch
	Event     string            `json:"event"`     // link_established, link_terminated, mtu_updated, etc.
	Conn      uint16            `json:"conn"`
	Role      string            `json:"role,omitempty"`
	Addr      string            `json:"addr,omitempty"`
	Status    string            `json:"status,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// LinkJournal appends link lifecycle events to a JSONL file
type LinkJournal struct {
	instanceID string
	logPath    string
	mutex      sync.Mutex
	enabled    bool
}

// NewLinkJournal creates a journal under the data directory of an instance
func NewLinkJournal(instanceID string, enabled bool) *LinkJournal {
	if !enabled {
		return &LinkJournal{enabled: false}
	}
	return NewLinkJournalAt(instanceID, util.GetJournalPath(instanceID))
}

// NewLinkJournalAt creates a journal writing to an explicit path
func NewLinkJournalAt(instanceID, path string) *LinkJournal {
	return &LinkJournal{
		instanceID: instanceID,
		logPath:    path,
		enabled:    true,
	}
}

// Path returns the journal file, empty when disabled
func (j *LinkJournal) Path() string {
	return j.logPath
}

func (j *LinkJournal) tag() string {
	id := j.instanceID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s journal", id)
}

// Log writes an event to the JSONL file
func (j *LinkJournal) Log(event LinkEvent) {
	if j == nil || !j.enabled {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	f, err := os.OpenFile(j.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(j.tag(), "Failed to open link journal: %v", err)
		return
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn(j.tag(), "Failed to marshal link event: %v", err)
		return
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warn(j.tag(), "Failed to write link event: %v", err)
	}
}

func (j *LinkJournal) LogLinkEstablished(ev LinkEstablished) {
	j.Log(LinkEvent{
		Event:  "link_established",
		Conn:   ev.Conn,
		Role:   ev.Role.String(),
		Addr:   ev.Addr.String(),
		Status: ev.Status.String(),
		Details: map[string]string{
			"addr_type": ev.AddrType.String(),
			"phy":       ev.PHY.String(),
		},
	})
}

func (j *LinkJournal) LogLinkTerminated(conn uint16, reason hci.Status) {
	j.Log(LinkEvent{
		Event:  "link_terminated",
		Conn:   conn,
		Status: reason.String(),
	})
}

func (j *LinkJournal) LogMTUUpdated(conn, mtu uint16) {
	j.Log(LinkEvent{
		Event:   "mtu_updated",
		Conn:    conn,
		Details: map[string]string{"mtu": fmt.Sprintf("%d", mtu)},
	})
}

func (j *LinkJournal) LogPHYUpdated(conn uint16, status hci.Status, rx hci.PHY) {
	j.Log(LinkEvent{
		Event:   "phy_updated",
		Conn:    conn,
		Status:  status.String(),
		Details: map[string]string{"rx_phy": rx.String()},
	})
}

func (j *LinkJournal) LogParamsUpdated(conn uint16, status hci.Status, p l2cap.ConnectionParameters) {
	j.Log(LinkEvent{
		Event:  "params_updated",
		Conn:   conn,
		Status: status.String(),
		Details: map[string]string{
			"interval_max": fmt.Sprintf("%d", p.IntervalMax),
			"latency":      fmt.Sprintf("%d", p.SlaveLatency),
			"timeout":      fmt.Sprintf("%d", p.SupervisionTimeout),
		},
	})
}

func (j *LinkJournal) LogPairing(conn uint16, state PairState, status hci.Status) {
	j.Log(LinkEvent{
		Event:   "pairing",
		Conn:    conn,
		Status:  status.String(),
		Details: map[string]string{"state": state.String()},
	})
}
