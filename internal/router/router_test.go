package router

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-realtime/internal/events"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/npezzotti/go-realtime/internal/stats"
	"github.com/npezzotti/go-realtime/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) SendToUser(userId string, f *events.Frame) server.SendResult {
	args := m.Called(userId, f)
	return args.Get(0).(server.SendResult)
}

func (m *mockDeliverer) Broadcast(f *events.Frame, exclude ...string) int {
	args := m.Called(f, exclude)
	return args.Int(0)
}

func (m *mockDeliverer) BroadcastToRole(f *events.Frame, role string) int {
	args := m.Called(f, role)
	return args.Int(0)
}

func newMockStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", stats.EventsPublished).Once()
	su.On("RegisterMetric", stats.EventsDropped).Once()
	su.On("Incr", mock.Anything).Maybe()
	return su
}

func frameOf(t events.Type, status string) any {
	return mock.MatchedBy(func(f *events.Frame) bool {
		return f.EventType == t && f.Status == status && f.CandidateId == ""
	})
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name   string
		ev     events.Event
		expect func(d *mockDeliverer)
	}{
		{
			name: "user target",
			ev: events.New(events.ApplicationStatusChanged, events.Target{UserId: "U1"},
				map[string]any{"status": "shortlisted"}),
			expect: func(d *mockDeliverer) {
				d.On("SendToUser", "U1", frameOf(events.ApplicationStatusChanged, "shortlisted")).
					Return(server.Delivered).Once()
			},
		},
		{
			name: "role wins over user",
			ev: events.New(events.JobPosted, events.Target{UserId: "U1", Role: "recruiter"},
				map[string]any{"job_id": "J1"}),
			expect: func(d *mockDeliverer) {
				d.On("BroadcastToRole", frameOf(events.JobPosted, string(events.JobPosted)), "recruiter").
					Return(2).Once()
			},
		},
		{
			name: "no target broadcasts",
			ev:   events.New(events.SystemMaintenance, events.Target{}, map[string]any{"message": "down at noon"}),
			expect: func(d *mockDeliverer) {
				d.On("Broadcast", mock.MatchedBy(func(f *events.Frame) bool {
					return f.Type == string(events.SystemMaintenance) && f.Message == "down at noon"
				}), []string(nil)).Return(3).Once()
			},
		},
		{
			name: "job events are not mirrored",
			ev:   events.New(events.CandidateScored, events.Target{UserId: "U1"}, nil),
			expect: func(d *mockDeliverer) {
				d.On("SendToUser", "U1", frameOf(events.CandidateScored, "scoring_completed")).
					Return(server.Queued).Once()
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &mockDeliverer{}
			defer d.AssertExpectations(t)
			tc.expect(d)

			su := newMockStats()
			r := New(testutil.TestLogger(t), d, Config{}, su)
			r.dispatch(tc.ev)

			su.AssertCalled(t, "Incr", stats.EventsPublished)
		})
	}
}

func TestDispatchMirrorsToRecruiters(t *testing.T) {
	d := &mockDeliverer{}
	defer d.AssertExpectations(t)

	var sent, mirrored *events.Frame
	d.On("SendToUser", "C1", mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).(*events.Frame)
	}).Return(server.Delivered).Once()
	d.On("BroadcastToRole", mock.Anything, "recruiter").Run(func(args mock.Arguments) {
		mirrored = args.Get(0).(*events.Frame)
	}).Return(1).Once()

	r := New(testutil.TestLogger(t), d, DefaultConfig(), newMockStats())
	r.dispatch(events.New(events.InterviewCompleted, events.Target{UserId: "C1"}, map[string]any{"job_id": "J9"}))

	require.NotNil(t, sent)
	require.NotNil(t, mirrored)
	assert.Equal(t, events.FrameInterviewUpdate, mirrored.Type)
	assert.Equal(t, "completed", mirrored.Status)
	assert.Equal(t, "J9", mirrored.JobId)
	assert.Equal(t, "C1", mirrored.CandidateId)
	assert.Empty(t, sent.CandidateId)
	assert.NotEqual(t, sent.MessageId, mirrored.MessageId)
}

func TestPublish(t *testing.T) {
	t.Run("unknown type is dropped", func(t *testing.T) {
		su := newMockStats()
		r := New(testutil.TestLogger(t), &mockDeliverer{}, Config{Buffer: 1}, su)

		r.Publish("weather_report", events.Target{}, nil)
		assert.Len(t, r.events, 0)
		su.AssertCalled(t, "Incr", stats.EventsDropped)
	})

	t.Run("full buffer does not block", func(t *testing.T) {
		su := newMockStats()
		r := New(testutil.TestLogger(t), &mockDeliverer{}, Config{Buffer: 1}, su)

		r.Publish("job_posted", events.Target{}, nil)
		done := make(chan struct{})
		go func() {
			r.Publish("job_closed", events.Target{}, nil)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("expected Publish to return while the buffer is full")
		}
		assert.Len(t, r.events, 1)
		su.AssertCalled(t, "Incr", stats.EventsDropped)
	})

	t.Run("submit reports drops", func(t *testing.T) {
		r := New(testutil.TestLogger(t), &mockDeliverer{}, Config{Buffer: 1}, newMockStats())
		ev := events.New(events.JobPosted, events.Target{}, nil)
		assert.True(t, r.Submit(ev))
		assert.False(t, r.Submit(ev))
	})
}

func TestRun(t *testing.T) {
	d := &mockDeliverer{}
	done := make(chan struct{}, 3)
	d.On("SendToUser", "U1", mock.Anything).Run(func(mock.Arguments) {
		done <- struct{}{}
	}).Return(server.Delivered)

	r := New(testutil.TestLogger(t), d, Config{}, newMockStats())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()

	r.PublishEvents([]events.Event{
		events.New(events.JobUpdated, events.Target{UserId: "U1"}, nil),
		events.New(events.JobClosed, events.Target{UserId: "U1"}, nil),
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("expected event to be dispatched")
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancel")
	}
	d.AssertNumberOfCalls(t, "SendToUser", 2)
}

func TestRunDrainsOnStop(t *testing.T) {
	d := &mockDeliverer{}
	d.On("Broadcast", mock.Anything, []string(nil)).Return(0).Twice()
	defer d.AssertExpectations(t)

	r := New(testutil.TestLogger(t), d, Config{}, newMockStats())
	r.Publish("system_status", events.Target{}, nil)
	r.Publish("system_error", events.Target{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)
}
