// Package tests replays scripted link manager sessions against the simulated
// stack. A scenario lists the peers in radio range, a timeline of operator
// commands and peer behavior, and the assertions checked at the end.
package tests

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"tinygo.org/x/bluetooth"
)

// Scenario defines a complete link manager test case
type Scenario struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Config      ScenarioConfig  `json:"config,omitempty"`
	Peers       []PeerConfig    `json:"peers"`
	Timeline    []TimelineEvent `json:"timeline"`
	Assertions  []Assertion     `json:"assertions"`
}

// ScenarioConfig overrides configuration defaults for one run. Zero values
// keep the default.
type ScenarioConfig struct {
	MaxConnections     int  `json:"max_connections,omitempty"`
	MaxScanResults     int  `json:"max_scan_results,omitempty"`
	ParamUpdateDelayMs int  `json:"param_update_delay_ms,omitempty"`
	PeriodicIntervalMs int  `json:"periodic_interval_ms,omitempty"`
	RPAReadIntervalMs  int  `json:"rpa_read_interval_ms,omitempty"`
	ClockStepMs        int  `json:"clock_step_ms,omitempty"`
	ServiceChanged     bool `json:"service_changed_on_boot,omitempty"`
}

// PeerConfig defines a remote device in radio range
type PeerConfig struct {
	ID            string   `json:"id"`
	Address       string   `json:"address"`
	ServiceUUID   uint16   `json:"service_uuid,omitempty"` // defaults to the configured service
	RSSI          int8     `json:"rssi,omitempty"`
	SupportedPHYs []string `json:"supported_phys,omitempty"` // "1m", "2m", "coded"; empty means all
	RejectPHY     bool     `json:"reject_phy,omitempty"`
}

// MAC parses the peer address
func (p PeerConfig) MAC() (bluetooth.MAC, error) {
	return bluetooth.ParseMAC(p.Address)
}

// TimelineEvent represents an action at a specific time
type TimelineEvent struct {
	TimeMs  int                    `json:"time_ms"`
	Action  string                 `json:"action"`
	Target  string                 `json:"target,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Comment string                 `json:"comment,omitempty"`
}

// Operator actions. They are run through the menu so the scenario exercises
// the same parsing an operator would.
const (
	ActionCommand      = "command" // data: line
	ActionScan         = "scan"
	ActionStopScan     = "stop_scan"
	ActionConnect      = "connect" // target: peer from the scan results
	ActionCancel       = "cancel_connect"
	ActionSelect       = "select" // target: connected peer
	ActionRead         = "read"
	ActionWrite        = "write" // data: value (optional)
	ActionConnUpdate   = "conn_update"
	ActionSetPHY       = "set_phy"      // data: phy
	ActionSetInitPHY   = "set_init_phy" // data: phys
	ActionSetScanPHY   = "set_scan_phy" // data: phys
	ActionSetAdvPHY    = "set_adv_phy"  // data: kind
	ActionDisconnect   = "disconnect"
	ActionAdvertise    = "advertise"
	ActionPressKeys    = "press_keys" // data: keys ("left", "right")
	ActionStatusReport = "status"
)

// Peer and radio actions, injected through the simulated stack
const (
	ActionAccept              = "accept" // target: peer connecting to us
	ActionPeerDisconnect      = "peer_disconnect"
	ActionSetRSSI             = "set_rssi"    // data: rssi
	ActionConnEvents          = "conn_events" // data: count
	ActionFlowControl         = "flow_control"
	ActionOADReset            = "oad_reset" // data: bim_var
	ActionPeerParamRequest    = "peer_param_request"
	ActionHoldParamUpdates    = "hold_param_updates" // data: hold
	ActionCompleteParamUpdate = "complete_param_update"
	ActionPairing             = "pairing" // data: state, status, id_address
	ActionRotateRPA           = "rotate_rpa"
	ActionWait                = "wait"
)

// Assertion defines an expected outcome
type Assertion struct {
	Type    string                 `json:"type"`
	Target  string                 `json:"target,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Comment string                 `json:"comment,omitempty"`
}

// Assertion types
const (
	AssertionConnected          = "connected" // data: role (optional)
	AssertionDisconnected       = "disconnected"
	AssertionLinkCount          = "link_count"
	AssertionCharDiscovered     = "char_discovered"
	AssertionPHY                = "phy"    // data: phy, auto (optional)
	AssertionParams             = "params" // data: timeout_ms, interval_max (optional)
	AssertionAdvertising        = "advertising"
	AssertionScanResults        = "scan_results"
	AssertionResetState         = "reset_state"
	AssertionResets             = "resets"
	AssertionCommandCount       = "command_count"
	AssertionServiceChangedFlag = "service_changed_flag"
	AssertionProfileValue       = "profile_value" // data: char, value (hex)
)

// LoadScenario loads a scenario from a JSON file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var scenario Scenario
	if err := json.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}

	return &scenario, nil
}

// Save writes the scenario to a JSON file
func (s *Scenario) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0644)
}

// GetEventsInRange returns all events within a time range
func (s *Scenario) GetEventsInRange(startMs, endMs int) []TimelineEvent {
	var events []TimelineEvent
	for _, event := range s.Timeline {
		if event.TimeMs >= startMs && event.TimeMs <= endMs {
			events = append(events, event)
		}
	}
	return events
}

// GetPeerByID returns a peer config by ID
func (s *Scenario) GetPeerByID(id string) *PeerConfig {
	for i, peer := range s.Peers {
		if peer.ID == id {
			return &s.Peers[i]
		}
	}
	return nil
}

// Duration returns the total duration of the scenario
func (s *Scenario) Duration() time.Duration {
	maxTime := 0
	for _, event := range s.Timeline {
		if event.TimeMs > maxTime {
			maxTime = event.TimeMs
		}
	}
	return time.Duration(maxTime) * time.Millisecond
}

// Validate checks if the scenario is valid
func (s *Scenario) Validate() []string {
	var errors []string

	peerIDs := make(map[string]bool)
	addrs := make(map[bluetooth.MAC]string)
	for _, peer := range s.Peers {
		if peer.ID == "" {
			errors = append(errors, "Peer without id")
			continue
		}
		if peerIDs[peer.ID] {
			errors = append(errors, "Duplicate peer id: "+peer.ID)
		}
		peerIDs[peer.ID] = true

		mac, err := peer.MAC()
		if err != nil {
			errors = append(errors, fmt.Sprintf("Peer %s has a bad address %q", peer.ID, peer.Address))
			continue
		}
		if other, ok := addrs[mac]; ok {
			errors = append(errors, fmt.Sprintf("Peers %s and %s share address %s", other, peer.ID, peer.Address))
		}
		addrs[mac] = peer.ID
	}

	for _, event := range s.Timeline {
		if event.Action == "" {
			errors = append(errors, fmt.Sprintf("Event at %dms has no action", event.TimeMs))
		}
		if event.TimeMs < 0 {
			errors = append(errors, fmt.Sprintf("Event %s has a negative time", event.Action))
		}
		if event.Target != "" && !peerIDs[event.Target] {
			errors = append(errors, "Event references unknown target: "+event.Target)
		}
	}

	for _, assertion := range s.Assertions {
		if assertion.Target != "" && !peerIDs[assertion.Target] {
			errors = append(errors, "Assertion references unknown target: "+assertion.Target)
		}
	}

	return errors
}
