package interfaces

import "smartgrid-relay/src/models"

// -----------------------------------------------------------------------------
// IDataExchanger is the fanout side of the pipeline: it delivers accepted
// envelopes to every live viewer, whatever the transport.
// -----------------------------------------------------------------------------

type IDataExchanger interface {
	// -----------------------------------------------------------------------------
	// Broadcast pushes an envelope to every registered viewer without blocking.
	Broadcast(envelope models.Envelope)

	// -----------------------------------------------------------------------------
	// Count returns the number of registered viewers.
	Count() int
}
