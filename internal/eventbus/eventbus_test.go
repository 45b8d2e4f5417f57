package eventbus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewEventIDFormat(t *testing.T) {
	ts := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	id := NewEventID("evt_", ts)
	assert.True(t, strings.HasPrefix(id, "evt_20260304_"))
	assert.Len(t, id, len("evt_20260304_")+16)
	assert.NotEqual(t, id, NewEventID("evt_", ts))
}

func TestNewEventValidates(t *testing.T) {
	evt := New("guardian", TypeDecision, EventContext{SessionID: "s1"}, map[string]any{"verdict": "allow"})
	assert.True(t, evt.MinimalValidate())

	evt.Source = ""
	assert.False(t, evt.MinimalValidate())
}

func TestRecorderDrains(t *testing.T) {
	r := NewRecorder(2)
	ctx := context.Background()
	_ = r.Publish(ctx, New("a", TypeAudit, EventContext{}, nil))
	_ = r.Publish(ctx, New("b", TypeAudit, EventContext{}, nil))
	// full buffer drops instead of blocking
	_ = r.Publish(ctx, New("c", TypeAudit, EventContext{}, nil))

	evts := r.Events()
	assert.Len(t, evts, 2)
	assert.Empty(t, r.Events())
}

func TestNATSBusSubject(t *testing.T) {
	b := &NATSBus{prefix: "guardian.events"}
	assert.Equal(t, "guardian.events.audit.appended", b.subject(TypeAudit))
}
