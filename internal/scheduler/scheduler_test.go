package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/shelf-price-crawler/internal/crawler"
	"github.com/JakeFAU/shelf-price-crawler/internal/orchestrator"
)

type mockStarter struct {
	mock.Mock
}

func (m *mockStarter) Start(ctx context.Context, categoryKey string, limit int) (crawler.Job, error) {
	args := m.Called(ctx, categoryKey, limit)
	return args.Get(0).(crawler.Job), args.Error(1)
}

func TestNewRejectsBadEntries(t *testing.T) {
	t.Parallel()

	_, err := New(&mockStarter{}, []Entry{{Spec: "not a spec", Category: "mercearia"}}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a spec")

	_, err = New(&mockStarter{}, []Entry{{Spec: "@daily", Category: "brinquedos"}}, Config{})
	require.ErrorIs(t, err, orchestrator.ErrUnknownCategory)

	_, err = New(nil, nil, Config{})
	require.Error(t, err)
}

func TestNewAcceptsSpecsAndDescriptors(t *testing.T) {
	t.Parallel()

	s, err := New(&mockStarter{}, []Entry{
		{Spec: "0 3 * * *", Category: "mercearia"},
		{Spec: "@weekly", Category: "bebidas", Limit: 100},
	}, Config{Location: time.UTC})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
}

func TestFireStartsCrawl(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	starter := &mockStarter{}
	starter.On("Start", mock.Anything, "congelados", 30).Return(crawler.Job{ID: "job-9"}, nil).Once()

	s, err := New(starter, nil, Config{Logger: zap.New(core)})
	require.NoError(t, err)
	s.fire(Entry{Spec: "@hourly", Category: "congelados", Limit: 30})

	starter.AssertExpectations(t)
	entries := logs.FilterMessage("scheduled crawl started").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "job-9", entries[0].ContextMap()["job_id"])
}

func TestFireSkipsWhenRunning(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	starter := &mockStarter{}
	starter.On("Start", mock.Anything, "mercearia", 0).Return(crawler.Job{}, orchestrator.ErrAlreadyRunning)
	starter.On("Start", mock.Anything, "bebidas", 0).Return(crawler.Job{}, errors.New("store down"))

	s, err := New(starter, nil, Config{Logger: zap.New(core)})
	require.NoError(t, err)
	s.fire(Entry{Spec: "@daily", Category: "mercearia"})
	s.fire(Entry{Spec: "@daily", Category: "bebidas"})

	assert.Equal(t, 1, logs.FilterMessage("scheduled crawl skipped, a crawl is already running").Len())
	assert.Equal(t, 1, logs.FilterMessage("scheduled crawl failed to start").Len())
}

func TestStartFiresOnSchedule(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 4)
	starter := &mockStarter{}
	starter.On("Start", mock.Anything, "laticinios", 5).
		Run(func(mock.Arguments) { fired <- struct{}{} }).
		Return(crawler.Job{ID: "job-1"}, nil)

	s, err := New(starter, []Entry{{Spec: "@every 1s", Category: "laticinios", Limit: 5}}, Config{})
	require.NoError(t, err)
	s.Start()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled crawl did not fire")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
