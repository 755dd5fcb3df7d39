package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
)

type recordingReceiver struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (r *recordingReceiver) SendAlert(alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRedaction(domain.OutcomeSuccess)
	m.RecordRedaction(domain.OutcomeSuccess)
	m.RecordRedaction(domain.OutcomeRateLimited)
	m.RecordTracked()
	m.UpdateIndexSize(7)
	m.UpdateTrackedByState(map[domain.MessageState]int{domain.StatePending: 3})

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `expirebot_redactions_total{outcome="success"} 2`)
	assert.Contains(t, body, `expirebot_redactions_total{outcome="rate_limited"} 1`)
	assert.Contains(t, body, "expirebot_messages_tracked_total 1")
	assert.Contains(t, body, "expirebot_deadline_index_size 7")
	assert.Contains(t, body, `expirebot_tracked_messages{state="pending"} 3`)
	assert.Contains(t, body, `expirebot_tracked_messages{state="done"} 0`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTracked()
		m.RecordRedaction(domain.OutcomeForbidden)
		m.RecordWakeup(3)
		m.RecordRedactionLag(time.Second)
		m.RecordPanic()
	})
}

func TestAlertManager_NotifyPermanentFailure(t *testing.T) {
	am := NewAlertManager(zap.NewNop())
	rec := &recordingReceiver{}
	am.AddReceiver(rec)

	event := domain.ExpiryEvent{
		Type:      domain.EventFailedPermanent,
		RoomID:    "!room",
		MessageID: "$1",
		Outcome:   domain.OutcomeForbidden,
		Timestamp: time.Now(),
	}
	am.Notify(context.Background(), event)
	am.Notify(context.Background(), event) // 未解决前不重复发送
	am.Notify(context.Background(), domain.ExpiryEvent{Type: domain.EventRedacted, RoomID: "!room"})

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, AlertLevelWarning, rec.alerts[0].Level)
	assert.Len(t, am.GetActiveAlerts(), 1)

	am.ResolveAlert(rec.alerts[0].ID)
	assert.Empty(t, am.GetActiveAlerts())
}

func TestAlertManager_CheckRules(t *testing.T) {
	am := NewAlertManager(zap.NewNop())
	rec := &recordingReceiver{}
	am.AddReceiver(rec)

	healthy := true
	am.AddRule(StorageHealthRule(func() error {
		if healthy {
			return nil
		}
		return errors.New("down")
	}))

	am.CheckRules()
	assert.Empty(t, rec.alerts)

	healthy = false
	am.CheckRules()
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, AlertLevelCritical, rec.alerts[0].Level)

	// 冷却期内不会再次触发
	am.CheckRules()
	assert.Len(t, rec.alerts, 1)
}
