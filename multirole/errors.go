package multirole

import "errors"

var (
	// ErrStopped is returned by commands once the loop has exited
	ErrStopped = errors.New("multirole: controller stopped")

	// ErrNoSelection is returned by per-link commands before a link was selected
	ErrNoSelection = errors.New("multirole: no connection selected")

	// ErrNotDiscovered is returned by read and write before the characteristic handle is known
	ErrNotDiscovered = errors.New("multirole: characteristic not discovered")

	// ErrNoSuchPeer is returned for a scan result index outside the list
	ErrNoSuchPeer = errors.New("multirole: no such scan result")

	// ErrNoSuchConnection is returned for a connection index without a link
	ErrNoSuchConnection = errors.New("multirole: no such connection")

	// ErrConnectionLimit is returned when a new link would exceed the table capacity
	ErrConnectionLimit = errors.New("multirole: at maximum connection limit")

	// ErrInvalidPHY is returned for a PHY the command cannot use
	ErrInvalidPHY = errors.New("multirole: invalid PHY")

	// ErrUnknownChar is returned for a profile characteristic that does not exist
	ErrUnknownChar = errors.New("multirole: unknown characteristic")

	// ErrNotWritable is returned when a peer writes a read-only characteristic
	ErrNotWritable = errors.New("multirole: characteristic not writable")
)
