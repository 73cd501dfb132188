// Package wire implements the single envelope codec shared by every
// component. All control-plane and application-plane traffic in this
// system is one textual, newline-framed envelope per message, carrying a
// sender identifier, a timestamp, a kind tag, and kind-specific fields.
package wire

import (
	"time"

	"github.com/rs/xid"
)

// Kind is the closed set of message tags carried on the wire.
type Kind string

const (
	KindRegister              Kind = "register"
	KindHeartbeat             Kind = "heartbeat"
	KindHeartbeatAck          Kind = "heartbeat acknowledgment"
	KindAddReplica            Kind = "add replica"
	KindRemoveReplica         Kind = "remove replica"
	KindUpdateMembership      Kind = "update_membership"
	KindRecoverServer         Kind = "recover_server"
	KindNewPrimary            Kind = "new_primary"
	KindNewReliable           Kind = "new_reliable"
	KindPrimaryServer         Kind = "primary_server"
	KindRequestState          Kind = "request_state"
	KindStateResponse         Kind = "state_response"
	KindCheckpoint            Kind = "checkpoint"
	KindCheckpointAck         Kind = "checkpoint_acknowledgment"
	KindIncrease              Kind = "increase"
	KindDecrease              Kind = "decrease"
	KindUpdate                Kind = "update"
	KindPing                  Kind = "ping"
	KindExit                  Kind = "exit"
	KindStateIncreased        Kind = "state increased"
	KindStateDecreased        Kind = "state decreased"
	KindStateUpdated          Kind = "state updated"
	KindPong                  Kind = "pong"
)

// MessageData carries the server_id payload used by add/remove replica
// notifications, nested exactly as the wire catalog in spec §6 describes.
type MessageData struct {
	ServerID string `json:"server_id"`
}

// Envelope is the one wire shape used by every link in the system:
// S<->LFD, LFD<->GFD, GFD<->RM, RM->Client, C<->S and the peer-sync/
// checkpoint channel between servers.
type Envelope struct {
	ComponentID string `json:"component_id"`
	Timestamp   string `json:"timestamp"`
	Message     Kind   `json:"message"`
	MessageID   string `json:"message_id,omitempty"`

	MessageData *MessageData `json:"message_data,omitempty"`

	MemberCount *int   `json:"member_count,omitempty"`
	ServerID    string `json:"server_id,omitempty"`
	Checkpoint  *int   `json:"checkpoint,omitempty"`

	PrimaryServer string `json:"primary_server,omitempty"`

	State    *int64  `json:"state,omitempty"`
	Sequence *uint64 `json:"sequence,omitempty"`

	RequestNumber *uint64 `json:"request_number,omitempty"`
}

// Option mutates an Envelope at construction time. Named after the
// create_message(**kwargs) pattern in original_source/common/
// communication_utils.py, expressed as Go functional options instead of
// a kwargs bag.
type Option func(*Envelope)

// New builds an Envelope stamped with componentID, the current wall-clock
// timestamp in the spec's YYYY-MM-DD HH:MM:SS format, a fresh message_id,
// and the given kind, then applies opts.
func New(componentID string, kind Kind, opts ...Option) Envelope {
	e := Envelope{
		ComponentID: componentID,
		Timestamp:   time.Now().Format("2006-01-02 15:04:05"),
		Message:     kind,
		MessageID:   xid.New().String(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func WithServerID(id string) Option {
	return func(e *Envelope) { e.ServerID = id }
}

func WithMessageDataServerID(id string) Option {
	return func(e *Envelope) { e.MessageData = &MessageData{ServerID: id} }
}

func WithMemberCount(n int) Option {
	return func(e *Envelope) { e.MemberCount = &n }
}

func WithCheckpointFreq(seconds int) Option {
	return func(e *Envelope) { e.Checkpoint = &seconds }
}

func WithPrimaryServer(id string) Option {
	return func(e *Envelope) { e.PrimaryServer = id }
}

func WithState(state int64) Option {
	return func(e *Envelope) { e.State = &state }
}

func WithSequence(seq uint64) Option {
	return func(e *Envelope) { e.Sequence = &seq }
}

func WithRequestNumber(n uint64) Option {
	return func(e *Envelope) { e.RequestNumber = &n }
}

// ReplicaID extracts the replica identifier from whichever field the
// kind in question populates: add/remove replica nest it under
// message_data, every other kind carries it as a top-level server_id.
func (e Envelope) ReplicaID() string {
	if e.MessageData != nil && e.MessageData.ServerID != "" {
		return e.MessageData.ServerID
	}
	return e.ServerID
}
