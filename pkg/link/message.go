package link

import (
	"fmt"

	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/mppt"
)

// Command identifiers. Each message in a payload is the VLQ command id
// followed by its VLQ arguments.
const (
	CmdReportSample int32 = 1 // board -> host: voltage_raw current_raw
	CmdSetDuty      int32 = 2 // host -> board: duty_raw
	CmdReset        int32 = 3 // either direction, no arguments
)

var commandArgs = map[int32]int{
	CmdReportSample: 2,
	CmdSetDuty:      1,
	CmdReset:        0,
}

var commandNames = map[int32]string{
	CmdReportSample: "report_sample",
	CmdSetDuty:      "set_duty",
	CmdReset:        "reset",
}

// Message is one decoded command.
type Message struct {
	ID   int32
	Args []int32
}

func (m Message) String() string {
	name, ok := commandNames[m.ID]
	if !ok {
		name = fmt.Sprintf("cmd%d", m.ID)
	}
	return fmt.Sprintf("%s%v", name, m.Args)
}

// ReportSample builds a report_sample message.
func ReportSample(s mppt.Sample) Message {
	return Message{ID: CmdReportSample, Args: []int32{int32(s.Voltage), int32(s.Current)}}
}

// SetDuty builds a set_duty message.
func SetDuty(duty fixed.Q88) Message {
	return Message{ID: CmdSetDuty, Args: []int32{int32(duty)}}
}

// Reset builds a reset message.
func Reset() Message {
	return Message{ID: CmdReset}
}

// EncodeMessages packs messages into one payload.
func EncodeMessages(msgs ...Message) []byte {
	var out []byte
	for _, m := range msgs {
		out = EncodeUint32(out, m.ID)
		for _, a := range m.Args {
			out = EncodeUint32(out, a)
		}
	}
	return out
}

// DecodeMessages parses every message in a payload.
func DecodeMessages(payload []byte) ([]Message, error) {
	var msgs []Message
	pos := 0
	for pos < len(payload) {
		var id int32
		var err error
		if id, pos, err = DecodeUint32(payload, pos); err != nil {
			return msgs, err
		}
		nargs, ok := commandArgs[id]
		if !ok {
			return msgs, errors.LinkFrameError("unknown command").SetContext("id", id)
		}
		m := Message{ID: id}
		for i := 0; i < nargs; i++ {
			var v int32
			if v, pos, err = DecodeUint32(payload, pos); err != nil {
				return msgs, err
			}
			m.Args = append(m.Args, v)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// word converts a decoded argument to a Q8.8 register value.
func word(v int32) (fixed.Q88, error) {
	if v < 0 || v > int32(fixed.Max) {
		return 0, errors.LinkFrameError("argument out of range").SetContext("value", v)
	}
	return fixed.Q88(v), nil
}

// Sample extracts the sample carried by a report_sample message.
func (m Message) Sample() (mppt.Sample, error) {
	if m.ID != CmdReportSample || len(m.Args) != 2 {
		return mppt.Sample{}, errors.LinkFrameError("not a report_sample message")
	}
	v, err := word(m.Args[0])
	if err != nil {
		return mppt.Sample{}, err
	}
	i, err := word(m.Args[1])
	if err != nil {
		return mppt.Sample{}, err
	}
	return mppt.Sample{Voltage: v, Current: i}, nil
}

// Duty extracts the duty word carried by a set_duty message.
func (m Message) Duty() (fixed.Q88, error) {
	if m.ID != CmdSetDuty || len(m.Args) != 1 {
		return 0, errors.LinkFrameError("not a set_duty message")
	}
	return word(m.Args[0])
}
