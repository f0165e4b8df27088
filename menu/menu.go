// Package menu is the operator front end of the link manager. It reads text
// commands from a reader, and key presses from the controller, and prints
// results to a writer.
package menu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/user/multirole-blue/multirole"
	"github.com/user/multirole-blue/oadreset"
	"github.com/user/multirole-blue/phy"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/hci"
)

// Controller is the set of operator commands the menu drives
type Controller interface {
	Discover(ctx context.Context) error
	StopDiscovering(ctx context.Context) error
	Connect(ctx context.Context, index int) error
	CancelConnect(ctx context.Context) error
	SelectConn(ctx context.Context, index int) error
	GattRead(ctx context.Context) error
	GattWrite(ctx context.Context, value byte) error
	ConnUpdate(ctx context.Context) error
	SetConnPHY(ctx context.Context, pref phy.Preference) error
	SetInitPHY(ctx context.Context, mask uint8) error
	SetScanPHY(ctx context.Context, mask uint8) error
	SetAdvPHY(ctx context.Context, p multirole.AdvPHY) error
	Disconnect(ctx context.Context) error
	Advertise(ctx context.Context) error
	Status(ctx context.Context) (multirole.Status, error)
	Keys() <-chan uint8
}

// ErrUsage is returned for a command line that cannot be parsed
var ErrUsage = errors.New("menu: usage")

const help = `commands:
  scan                 discover peers advertising the service
  stop                 stop discovering
  connect <n>          connect to scan result n
  cancel               cancel a pending connect
  select <n>           work with connection n (discovers it when needed)
  read                 read the peer characteristic
  write [value]        write value, or the next of 00 55 AA FF
  update               send a connection parameter update
  phy <pref>           1m, 2m, coded, s2, s8 or auto
  initphy <phys>       initiating PHYs, e.g. 1m or 1m+coded
  scanphy <phys>       scanning PHYs: 1m, coded or 1m+coded
  advphy <kind>        legacy, ext1m or extcoded
  disconnect           disconnect the selected link
  adv                  toggle advertising
  status               show links and scan results
  help                 show this text
  quit                 leave the menu
keys: left moves to the next item, right runs it`

// keyItems are the entries the two buttons cycle through
var keyItems = []string{"scan", "connect 0", "select 0", "read", "write", "update", "phy auto", "disconnect", "adv", "status"}

// Menu holds the state of one operator session
type Menu struct {
	ctrl   Controller
	w      io.Writer
	cursor int
	write  int
}

// New creates a menu printing to w
func New(ctrl Controller, w io.Writer) *Menu {
	return &Menu{ctrl: ctrl, w: w}
}

// Run executes commands from r and key presses until r is exhausted, quit is
// entered or ctx is done
func Run(ctx context.Context, r io.Reader, w io.Writer, ctrl Controller) error {
	return New(ctrl, w).Run(ctx, r)
}

// Run executes commands from r and key presses until r is exhausted, quit is
// entered or ctx is done
func (m *Menu) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	fmt.Fprintln(m.w, "type help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case keys := <-m.ctrl.Keys():
			m.Key(ctx, keys)
		case line := <-lines:
			quit, err := m.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(m.w, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Key handles a key change: left advances the cursor, right runs the item under it
func (m *Menu) Key(ctx context.Context, keys uint8) {
	switch {
	case keys&wire.KeyLeft != 0:
		m.cursor = (m.cursor + 1) % len(keyItems)
		fmt.Fprintf(m.w, "> %s\n", keyItems[m.cursor])
	case keys&wire.KeyRight != 0:
		if _, err := m.Exec(ctx, keyItems[m.cursor]); err != nil {
			fmt.Fprintf(m.w, "error: %v\n", err)
		}
	}
}

// Exec runs one command line. quit is true when the session should end.
func (m *Menu) Exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(m.w, help)
		return false, nil
	case "status":
		return false, m.printStatus(ctx)
	case "scan":
		return false, m.ctrl.Discover(ctx)
	case "stop":
		return false, m.ctrl.StopDiscovering(ctx)
	case "connect":
		n, err := index(args)
		if err != nil {
			return false, err
		}
		return false, m.ctrl.Connect(ctx, n)
	case "cancel":
		return false, m.ctrl.CancelConnect(ctx)
	case "select":
		n, err := index(args)
		if err != nil {
			return false, err
		}
		return false, m.ctrl.SelectConn(ctx, n)
	case "read":
		return false, m.ctrl.GattRead(ctx)
	case "write":
		v, err := m.writeValue(args)
		if err != nil {
			return false, err
		}
		return false, m.ctrl.GattWrite(ctx, v)
	case "update":
		return false, m.ctrl.ConnUpdate(ctx)
	case "phy":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: phy <1m|2m|coded|s2|s8|auto>", ErrUsage)
		}
		pref, err := phy.ParsePreference(args[0])
		if err != nil {
			return false, err
		}
		return false, m.ctrl.SetConnPHY(ctx, pref)
	case "initphy":
		mask, err := phyMask(args)
		if err != nil {
			return false, err
		}
		return false, m.ctrl.SetInitPHY(ctx, mask)
	case "scanphy":
		mask, err := phyMask(args)
		if err != nil {
			return false, err
		}
		return false, m.ctrl.SetScanPHY(ctx, mask)
	case "advphy":
		p, err := advPHY(args)
		if err != nil {
			return false, err
		}
		return false, m.ctrl.SetAdvPHY(ctx, p)
	case "disconnect":
		return false, m.ctrl.Disconnect(ctx)
	case "adv":
		return false, m.ctrl.Advertise(ctx)
	default:
		return false, fmt.Errorf("%w: unknown command %q, try help", ErrUsage, cmd)
	}
}

func index(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: expected one index", ErrUsage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad index %q", ErrUsage, args[0])
	}
	return n, nil
}

// writeValue parses an explicit hex byte or cycles through the default values
func (m *Menu) writeValue(args []string) (byte, error) {
	if len(args) == 0 {
		v := multirole.WriteValues[m.write%len(multirole.WriteValues)]
		m.write++
		return v, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: bad value %q", ErrUsage, args[0])
	}
	return byte(n), nil
}

func phyMask(args []string) (uint8, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: expected PHYs such as 1m+coded", ErrUsage)
	}
	var mask uint8
	for _, name := range strings.Split(args[0], "+") {
		switch name {
		case "1m":
			mask |= hci.MaskPHY1M
		case "2m":
			mask |= hci.MaskPHY2M
		case "coded":
			mask |= hci.MaskPHYCoded
		default:
			return 0, fmt.Errorf("%w: unknown PHY %q", ErrUsage, name)
		}
	}
	return mask, nil
}

func advPHY(args []string) (multirole.AdvPHY, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: advphy <legacy|ext1m|extcoded>", ErrUsage)
	}
	switch args[0] {
	case "legacy":
		return multirole.AdvLegacy1M, nil
	case "ext1m":
		return multirole.AdvExt1M, nil
	case "extcoded":
		return multirole.AdvExtCoded, nil
	default:
		return 0, fmt.Errorf("%w: unknown advertising PHY %q", ErrUsage, args[0])
	}
}

func (m *Menu) printStatus(ctx context.Context) error {
	st, err := m.ctrl.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(m.w, "address %s, advertising %t, scanning %t\n", st.Addr.String(), st.Advertising, st.Scanning)
	fmt.Fprintf(m.w, "connections %d/%d\n", len(st.Links), st.MaxLinks)
	for _, l := range st.Links {
		mark := " "
		if l.Handle == st.Selected {
			mark = "*"
		}
		phyName := l.PHY.String()
		if l.AutoPHY {
			phyName += " (auto)"
		}
		fmt.Fprintf(m.w, "%s[%d] conn=%d %s %s mtu=%d char=0x%04X %s phy=%s timeout=%dms\n",
			mark, l.Index, l.Handle, l.Addr.String(), l.Role, l.MTU, l.CharHandle, l.Discovery,
			phyName, l.Params.SupervisionTimeoutMs())
	}
	if len(st.ScanResults) > 0 {
		fmt.Fprintln(m.w, "scan results")
		for i, e := range st.ScanResults {
			fmt.Fprintf(m.w, " (%d) %s\n", i, e)
		}
	}
	if st.Reset != oadreset.Idle {
		fmt.Fprintf(m.w, "update reset: %s\n", st.Reset)
	}
	return nil
}
