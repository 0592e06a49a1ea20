package event

import (
	"context"
	"fmt"
)

// ParticipantConn binds one participant connection to a device id once it has
// sent JOIN. It is not safe for concurrent use; a connection reads its
// messages sequentially.
type ParticipantConn struct {
	session  *Session
	sender   Sender
	deviceID string
}

// Connect starts tracking a participant connection.
func (s *Session) Connect(sender Sender) *ParticipantConn {
	return &ParticipantConn{session: s, sender: sender}
}

// DeviceID returns the joined device id, or "" before JOIN.
func (c *ParticipantConn) DeviceID() string {
	return c.deviceID
}

// Handle dispatches one decoded inbound message.
func (c *ParticipantConn) Handle(ctx context.Context, msg Message) error {
	s := c.session
	s.metrics.IncMessagesReceived(msg.Type())

	switch m := msg.(type) {
	case Join:
		if c.deviceID != "" && c.deviceID != m.DeviceID {
			return fmt.Errorf("%w: already joined as %s", ErrUnexpected, c.deviceID)
		}
		if err := s.Subscribe(ctx, m.DeviceID, m.Location, c.sender); err != nil {
			return err
		}
		c.deviceID = m.DeviceID
		return nil

	case LocationUpdate:
		if c.deviceID == "" {
			return ErrNotJoined
		}
		return s.UpdateLocation(ctx, c.deviceID, m.Location)

	case Distance:
		if c.deviceID == "" {
			return ErrNotJoined
		}
		return s.ReportDistance(ctx, c.deviceID, m.To, m.Distance)

	default:
		return fmt.Errorf("%w: %s", ErrUnexpected, msg.Type())
	}
}

// Close unsubscribes the device if this connection still owns it.
func (c *ParticipantConn) Close(ctx context.Context) {
	if c.deviceID == "" {
		return
	}
	_ = c.session.Leave(ctx, c.deviceID, c.sender)
}
