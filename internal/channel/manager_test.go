package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue() + m.GetGauge().GetValue()
}

func TestManager_OpenCloseGenerations(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)

	st, upd := mgr.Open(testChannel)
	require.NotNil(t, st)
	require.Len(t, upd.Requests, 1)
	require.Equal(t, uint64(1), st.Generation())

	again, upd := mgr.Open(testChannel)
	require.Same(t, st, again)
	require.Empty(t, upd.Requests, "gap already in flight")

	mgr.Close(testChannel)
	_, ok := mgr.State(testChannel)
	require.False(t, ok)

	reopened, _ := mgr.Open(testChannel)
	require.NotSame(t, st, reopened)
	require.Equal(t, uint64(2), reopened.Generation())
}

func TestManager_HandleRoutesInputs(t *testing.T) {
	metrics := NewMetrics(nil)
	mgr := NewManager(DefaultConfig(), nil, WithManagerMetrics(metrics))
	srv := &server{universe: ids(10, 50, 10)}

	st, upd := mgr.Handle(OpenInput{ChannelID: testChannel})
	require.NotNil(t, st)
	require.Equal(t, 1.0, value(t, metrics.OpenChannels))

	reqs := upd.Requests
	for len(reqs) > 0 {
		req := reqs[0]
		reqs = reqs[1:]
		_, upd := mgr.Handle(PageInput{Result: srv.run(req)})
		require.NoError(t, upd.Warning)
		reqs = append(reqs, upd.Requests...)
	}
	require.Equal(t, 5, st.Sequence().MessageCount())
	require.Equal(t, 5.0, value(t, metrics.LoadedMessages.WithLabelValues(testChannel.String())))
	require.Equal(t, 1.0, value(t, metrics.Reconciliations.WithLabelValues("page")))

	_, upd = mgr.Handle(EventInput{Event: models.Event{
		Type:      models.EventTypeMessageDeleted,
		ChannelID: testChannel,
		MessageID: 30,
	}})
	require.Equal(t, []snowflake.ID{30}, upd.Result.Removed)
	require.Equal(t, 1.0, value(t, metrics.Reconciliations.WithLabelValues(string(models.EventTypeMessageDeleted))))

	_, upd = mgr.Handle(JumpInput{ChannelID: testChannel, Target: 20})
	require.Equal(t, snowflake.ID(20), upd.Reveal)

	_, upd = mgr.Handle(ScrollInput{ChannelID: testChannel, Viewport: fetch.Viewport{First: 0, Last: 1}})
	require.Empty(t, upd.Requests)

	got, upd := mgr.Handle(EventInput{Event: models.Event{
		Type:      models.EventTypeMessageDeleted,
		ChannelID: 77,
		MessageID: 10,
	}})
	require.Nil(t, got)
	require.True(t, upd.Result.Stale)

	st2, _ := mgr.Handle(CloseInput{ChannelID: testChannel})
	require.Nil(t, st2)
	require.Zero(t, value(t, metrics.OpenChannels))
}

func TestManager_PageForClosedChannelIsStale(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	mgr := NewManager(DefaultConfig(), nil, WithManagerMetrics(metrics))
	srv := &server{universe: ids(10, 50, 10)}

	_, upd := mgr.Open(testChannel)
	req := upd.Requests[0]
	mgr.Close(testChannel)
	fresh, _ := mgr.Open(testChannel)

	st, res := mgr.Handle(PageInput{Result: srv.run(req)})
	require.Same(t, fresh, st)
	require.True(t, res.Result.Stale)
	require.Equal(t, []string{"gap"}, layout(fresh.Sequence()))
	require.Equal(t, 1.0, value(t, metrics.StaleResults))
}

// lockedServer serializes access for fetches issued by Run's workers.
type lockedServer struct {
	mu  sync.Mutex
	srv *server
}

func (l *lockedServer) FetchPage(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (fetch.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.srv.FetchPage(ctx, channelID, anchor, dir, limit)
}

func TestManager_RunLoadsHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fetch.PageSize = 7
	cfg.Fetch.Distance = 1000
	cfg.Workers = 2
	srv := &lockedServer{srv: &server{universe: ids(10, 500, 10)}}
	mgr := NewManager(cfg, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan struct{})
	var once sync.Once
	var loaded int
	sink := func(st *State, upd Update) {
		if st == nil || st.Sequence().GapCount() > 0 {
			return
		}
		once.Do(func() {
			loaded = st.Sequence().MessageCount()
			close(done)
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Run(ctx, sink) }()

	require.NoError(t, mgr.Submit(ctx, OpenInput{ChannelID: testChannel}))

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("history was not loaded")
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Equal(t, 50, loaded)
}

func TestManager_RunRequiresFetcher(t *testing.T) {
	mgr := NewManager(DefaultConfig(), nil)
	require.ErrorIs(t, mgr.Run(context.Background(), nil), ErrNoFetcher)
}
