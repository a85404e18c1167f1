package mq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTopology_Defaults(t *testing.T) {
	topo := NewTopology("tasks.main", "", "", "", "")

	assert.Equal(t, "tasks.main", topo.RoutingKey)
	assert.Equal(t, DefaultExchange, topo.Exchange)
	assert.Equal(t, DefaultDLXExchange, topo.DLX)
	assert.Equal(t, "tasks.main.dlq", topo.DLQ)
}

func TestNewTopology_Explicit(t *testing.T) {
	topo := NewTopology("emails", "emails.send", "notify", "notify.dlx", "dlq.emails")

	assert.Equal(t, Topology{
		Queue:      "emails",
		RoutingKey: "emails.send",
		Exchange:   "notify",
		DLX:        "notify.dlx",
		DLQ:        "dlq.emails",
	}, topo)
}

func TestTopology_QueueArgs(t *testing.T) {
	topo := NewTopology("tasks.main", "", "tasks", "tasks.dlx", "tasks.dlq")
	args := topo.QueueArgs()

	assert.Equal(t, "tasks.dlx", args["x-dead-letter-exchange"])
	assert.Equal(t, "tasks.dlq", args["x-dead-letter-routing-key"])
	assert.Equal(t, int32(10), args["x-max-priority"])
}

func TestTopology_DelayQueue(t *testing.T) {
	topo := NewTopology("tasks.main", "", "", "", "")

	assert.Equal(t, "tasks.main.delay.120000", topo.DelayQueue(2*time.Minute))
	assert.Equal(t, "tasks.main.delay.1500", topo.DelayQueue(1500*time.Millisecond))

	args := topo.DelayQueueArgs(2 * time.Minute)
	assert.Equal(t, int64(120000), args["x-message-ttl"])
	assert.Equal(t, "", args["x-dead-letter-exchange"], "delayed messages go back through the default exchange")
	assert.Equal(t, "tasks.main", args["x-dead-letter-routing-key"])
	assert.Greater(t, args["x-expires"].(int64), int64(120000))
}

func TestTopology_String(t *testing.T) {
	topo := NewTopology("tasks.main", "", "", "", "")
	assert.Contains(t, topo.String(), "tasks.main.dlq")
}
