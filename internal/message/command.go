package message

import (
	"fmt"

	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
)

// Opcode is the first byte of a KindCommand body.
type Opcode uint8

const (
	OpSetpoint Opcode = 0x01
	OpMode     Opcode = 0x02
	OpLimits   Opcode = 0x03
	OpPing     Opcode = 0x04
)

func (o Opcode) String() string {
	switch o {
	case OpSetpoint:
		return "setpoint"
	case OpMode:
		return "mode"
	case OpLimits:
		return "limits"
	case OpPing:
		return "ping"
	default:
		return fmt.Sprintf("op(0x%02X)", uint8(o))
	}
}

// Command is a decoded KindCommand body. Only the field matching Op is set.
type Command struct {
	Op       Opcode
	Setpoint gimbal.Setpoint
	Mode     gimbal.Mode
	Limits   gimbal.Limits
	Raw      []byte
}

func SetpointCommand(sp gimbal.Setpoint) []byte {
	b := make([]byte, 9)
	b[0] = byte(OpSetpoint)
	putFloat(b[1:], sp.Pan)
	putFloat(b[5:], sp.Tilt)
	return b
}

func ModeCommand(m gimbal.Mode) []byte {
	return []byte{byte(OpMode), byte(m)}
}

func LimitsCommand(l gimbal.Limits) []byte {
	return append([]byte{byte(OpLimits)}, EncodeLimits(l)...)
}

func PingCommand() []byte {
	return []byte{byte(OpPing)}
}

// DecodeCommand parses a command body. Unknown opcodes are returned with Raw
// set rather than rejected.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrShortMessage)
	}
	cmd := Command{Op: Opcode(b[0]), Raw: b[1:]}
	args := b[1:]
	switch cmd.Op {
	case OpSetpoint:
		if len(args) < 8 {
			return Command{}, fmt.Errorf("%w: setpoint %d/8", ErrShortMessage, len(args))
		}
		cmd.Setpoint = gimbal.Setpoint{Pan: getFloat(args[0:]), Tilt: getFloat(args[4:])}
	case OpMode:
		if len(args) < 1 {
			return Command{}, fmt.Errorf("%w: mode", ErrShortMessage)
		}
		cmd.Mode = gimbal.Mode(args[0])
	case OpLimits:
		l, err := DecodeLimits(args)
		if err != nil {
			return Command{}, err
		}
		cmd.Limits = l
	}
	return cmd, nil
}
