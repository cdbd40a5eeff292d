package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SettleAction is what happens to a delivery once it has been processed
type SettleAction int

const (
	SettleNone SettleAction = iota
	SettleAck
	SettleNack
)

func (a SettleAction) String() string {
	switch a {
	case SettleAck:
		return "ack"
	case SettleNack:
		return "nack"
	default:
		return "none"
	}
}

// Settlement is a resolved acknowledgment decision for one delivery
type Settlement struct {
	Action   SettleAction
	Multiple bool
	Requeue  bool
}

// Apply sends the decision to the broker through d's acknowledger
func (s Settlement) Apply(d amqp.Delivery) error {
	var err error
	switch s.Action {
	case SettleAck:
		err = d.Ack(s.Multiple)
	case SettleNack:
		err = d.Nack(s.Multiple, s.Requeue)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery %d: %w", s.Action, d.DeliveryTag, err)
	}
	return nil
}

// AckPolicy controls how deliveries are settled.
//
// With AutoAck the broker considers deliveries settled on send and the policy
// never acks or nacks.
type AckPolicy struct {
	AutoAck          bool
	AckOnSuccess     bool
	AckMultiple      bool
	NackOnFailure    bool
	NackMultiple     bool
	RequeueOnFailure bool
}

// DefaultAckPolicy acks on success and nacks with requeue on failure
func DefaultAckPolicy() AckPolicy {
	return AckPolicy{
		AckOnSuccess:     true,
		NackOnFailure:    true,
		RequeueOnFailure: true,
	}
}

// OnSuccess is the decision after the handler returned nil
func (p AckPolicy) OnSuccess() Settlement {
	if p.AutoAck || !p.AckOnSuccess {
		return Settlement{}
	}
	return Settlement{Action: SettleAck, Multiple: p.AckMultiple}
}

// OnFailure is the decision after the handler returned an error or panicked
func (p AckPolicy) OnFailure() Settlement {
	if p.AutoAck || !p.NackOnFailure {
		return Settlement{}
	}
	return Settlement{Action: SettleNack, Multiple: p.NackMultiple, Requeue: p.RequeueOnFailure}
}

// OnDecodeFailure rejects a body that is not a valid envelope. It is never
// requeued since it would fail again.
func (p AckPolicy) OnDecodeFailure() Settlement {
	if p.AutoAck {
		return Settlement{}
	}
	return Settlement{Action: SettleNack}
}

// OnUnresolved returns the delivery when the handler's receiver is gone
func (p AckPolicy) OnUnresolved() Settlement {
	if p.AutoAck {
		return Settlement{}
	}
	return Settlement{Action: SettleNack, Requeue: p.RequeueOnFailure}
}
