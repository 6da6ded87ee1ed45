package rpc

import (
	"fmt"

	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/internal/proto"
)

// EncodeEvent flattens a change event into the argument vector carried by an
// event frame. Both transports share this layout.
func EncodeEvent(ev events.Event) proto.Args {
	return proto.Args{
		proto.StringArg(ev.ID),
		proto.Int64Arg(int64(ev.Kind)),
		proto.StringArg(ev.Database),
		proto.StringArg(ev.Namespace),
		proto.StringArg(ev.Name),
		proto.Int64Arg(int64(ev.Mode)),
		proto.BytesArg(ev.Payload),
	}
}

var eventSig = proto.Signature{Types: []proto.ArgType{
	proto.ArgString, proto.ArgInt, proto.ArgString, proto.ArgString,
	proto.ArgString, proto.ArgInt, proto.ArgBytes,
}}

// DecodeEvent is the inverse of EncodeEvent, used by clients and tests.
func DecodeEvent(args proto.Args) (events.Event, error) {
	if err := eventSig.Check(args); err != nil {
		return events.Event{}, fmt.Errorf("event frame: %w", err)
	}
	return events.Event{
		ID:        args[0].Str,
		Kind:      events.Kind(args[1].Int),
		Database:  args[2].Str,
		Namespace: args[3].Str,
		Name:      args[4].Str,
		Mode:      int(args[5].Int),
		Payload:   args[6].Bytes,
	}, nil
}
