package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posthorn/posthorn/internal/model"
)

func TestPlanMXDeliverySessionsGroupsSharedExchange(t *testing.T) {
	status := &model.InternalMessageStatus{
		Recipients: []model.InternalRecipientStatus{
			{SMTPEmailAddr: "a@one.test", MXServers: []string{"mx.one.test"}, Result: model.Queued()},
			{SMTPEmailAddr: "b@two.test", MXServers: []string{"mx.one.test"}, Result: model.Queued()},
			{SMTPEmailAddr: "c@three.test", MXServers: []string{"mx.three.test"}, Result: model.Queued()},
		},
	}

	deliveries := planMXDeliverySessions(status, model.Config{})
	require.Len(t, deliveries, 2)

	byServer := make(map[string][]int)
	for _, d := range deliveries {
		byServer[d.server] = d.recipients
	}
	assert.ElementsMatch(t, []int{0, 1}, byServer["mx.one.test"])
	assert.ElementsMatch(t, []int{2}, byServer["mx.three.test"])
}

func TestPlanMXDeliverySessionsSkipsCompletedRecipients(t *testing.T) {
	status := &model.InternalMessageStatus{
		Recipients: []model.InternalRecipientStatus{
			{SMTPEmailAddr: "a@one.test", MXServers: []string{"mx.one.test"}, Result: model.Delivered("250 ok")},
			{SMTPEmailAddr: "b@one.test", MXServers: []string{"mx.one.test"}, Result: model.Queued()},
		},
	}

	deliveries := planMXDeliverySessions(status, model.Config{})
	require.Len(t, deliveries, 1)
	assert.Equal(t, []int{1}, deliveries[0].recipients)
}

func TestPlanMXDeliverySessionsFailsExhaustedRecipientWithoutASession(t *testing.T) {
	status := &model.InternalMessageStatus{
		Recipients: []model.InternalRecipientStatus{
			{SMTPEmailAddr: "a@one.test", MXServers: []string{"mx.one.test"}, Result: model.Deferred(5, "timed out")},
		},
	}

	deliveries := planMXDeliverySessions(status, model.Config{})
	assert.Empty(t, deliveries)
	assert.Equal(t, model.StateFailed, status.Recipients[0].Result.State)
}

func TestPlanMXDeliverySessionsRelayModeAlwaysOneSession(t *testing.T) {
	status := &model.InternalMessageStatus{
		Recipients: []model.InternalRecipientStatus{
			{SMTPEmailAddr: "a@one.test", Result: model.Queued()},
			{SMTPEmailAddr: "b@two.test", Result: model.Queued()},
		},
	}
	cfg := model.Config{Delivery: model.DeliveryConfig{Relay: &model.RelayConfig{Host: "smarthost.test", Port: 25}}}

	deliveries := planMXDeliverySessions(status, cfg)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "smarthost.test", deliveries[0].server)
	assert.ElementsMatch(t, []int{0, 1}, deliveries[0].recipients)
}

func TestFailExhaustedAttemptsOnlyTouchesDeferred(t *testing.T) {
	status := &model.InternalMessageStatus{
		Recipients: []model.InternalRecipientStatus{
			{Result: model.Deferred(2, "try later")},
			{Result: model.Delivered("250 ok")},
		},
	}
	failExhaustedAttempts(status)
	assert.Equal(t, model.StateFailed, status.Recipients[0].Result.State)
	assert.Equal(t, model.StateDelivered, status.Recipients[1].Result.State)
}
