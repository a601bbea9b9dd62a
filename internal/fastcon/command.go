package fastcon

import (
	"fmt"
	"sync/atomic"
)

// Kind identifies the purpose of a command.
type Kind uint8

const (
	KindWake Kind = iota
	KindAssignKey
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindWake:
		return "wake"
	case KindAssignKey:
		return "assign_key"
	case KindControl:
		return "control"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command groups used by the bulbs.
const (
	GroupWake      = 0
	GroupAssignKey = 2
	GroupControl   = 5
)

// Command is an unencoded command.
type Command struct {
	Kind     Kind
	Group    uint8
	SubIndex uint8
	Forward  bool
	Key      MeshKey
	Body     []byte
}

// WakeCommand makes lights in range advertise their beacons.
func WakeCommand() Command {
	return Command{
		Kind:  KindWake,
		Group: GroupWake,
		Body:  make([]byte, 6),
	}
}

// AssignKeyCommand hands number and key to the light identified by mac. It is
// sent under the factory key.
func AssignKeyCommand(mac [6]byte, number uint8, key MeshKey) Command {
	body := make([]byte, 0, MaxBodySize)
	body = append(body, mac[:]...)
	body = append(body, number, 0x01)
	body = append(body, key[:]...)
	return Command{
		Kind:  KindAssignKey,
		Group: GroupAssignKey,
		Key:   FactoryKey,
		Body:  body,
	}
}

// ControlCommand wraps a control body addressed under key.
func ControlCommand(body ControlBody, key MeshKey) Command {
	return Command{
		Kind:    KindControl,
		Group:   GroupControl,
		Forward: true,
		Key:     key,
		Body:    body[:],
	}
}

// Packet is the result of encoding one command.
type Packet struct {
	Sequence      uint8
	Payload       Payload
	Frame         [FrameSize]byte
	Advertisement Advertisement
}

// Encoder turns commands into advertisements. Every encoded command consumes
// one sequence number; the first is 1 and the counter wraps at 256.
type Encoder struct {
	addr Address
	seq  atomic.Uint32
}

// NewEncoder returns an encoder that frames commands for addr.
func NewEncoder(addr Address) *Encoder {
	return &Encoder{addr: addr}
}

// Address returns the device address frames are built for.
func (e *Encoder) Address() Address {
	return e.addr
}

// Sequence returns the last sequence number handed out.
func (e *Encoder) Sequence() uint8 {
	return uint8(e.seq.Load())
}

// SetSequence makes the next encoded command use last+1.
func (e *Encoder) SetSequence(last uint8) {
	e.seq.Store(uint32(last))
}

func (e *Encoder) nextSequence() uint8 {
	return uint8(e.seq.Add(1))
}

// Encode builds the advertisement for cmd. A body that does not fit is
// rejected without consuming a sequence number.
func (e *Encoder) Encode(cmd Command) (Packet, error) {
	var pkt Packet
	if len(cmd.Body) > MaxBodySize {
		return pkt, fmt.Errorf("encode %s command: %w", cmd.Kind, ErrBodyTooLong)
	}
	pkt.Sequence = e.nextSequence()
	h := Header{
		Group:    cmd.Group,
		SubIndex: cmd.SubIndex,
		Forward:  cmd.Forward,
		Sequence: pkt.Sequence,
	}
	p, err := EncodePayload(h, cmd.Body, cmd.Key)
	if err != nil {
		return pkt, fmt.Errorf("encode %s command: %w", cmd.Kind, err)
	}
	pkt.Payload = p
	pkt.Frame = BuildFrame(e.addr, p)
	pkt.Advertisement = Pack(pkt.Frame)
	return pkt, nil
}
