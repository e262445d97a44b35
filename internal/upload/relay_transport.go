package upload

import (
	"context"
	"fmt"

	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
)

// RelayTransport sends payloads to the privileged coordinator context as
// sendRecordingToServer requests.
type RelayTransport struct {
	bus  *relay.Bus
	from relay.Context
}

// NewRelayTransport creates a transport that speaks for context from.
func NewRelayTransport(bus *relay.Bus, from relay.Context) *RelayTransport {
	return &RelayTransport{bus: bus, from: from}
}

// Send implements Transport.
func (t *RelayTransport) Send(ctx context.Context, payload models.UploadPayload) error {
	msg, err := relay.NewMessage(relay.TypeSendRecordingToServer, relay.SendRecording{Data: payload})
	if err != nil {
		return err
	}
	resp, err := t.bus.Request(ctx, t.from, relay.ContextCoordinator, msg)
	if err != nil {
		return err
	}
	var ack relay.Ack
	if err := resp.Decode(&ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return nil
}
