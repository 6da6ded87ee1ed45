package rpc

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/quartzdb/quartz-server/events"
	"github.com/quartzdb/quartz-server/internal/proto"
)

func TestEventWireRoundTrip(t *testing.T) {
	ev := events.Event{
		ID:        "01J5ZX3V9K8Q4N2M7P6R5T4S3A",
		Kind:      events.KindItemModified,
		Database:  "testdb",
		Namespace: "items",
		Mode:      2,
		Payload:   []byte(`{"id":1}`),
	}

	got, err := DecodeEvent(EncodeEvent(ev))
	assert.Equal(t, nil, err)
	assert.Equal(t, ev, got)
}

func TestDecodeEventRejectsWrongShape(t *testing.T) {
	_, err := DecodeEvent(proto.Args{proto.StringArg("just-one")})
	assert.NotEqual(t, nil, err)

	args := EncodeEvent(events.Event{Kind: events.KindMetaPut})
	args[1] = proto.StringArg("not-an-int")
	_, err = DecodeEvent(args)
	assert.NotEqual(t, nil, err)
}
