package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/testutil"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	requests []SyncRequest
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req SyncRequest) (*SyncResult, error) {
	d.requests = append(d.requests, req)
	return &SyncResult{}, d.err
}

type recordingPublisher struct {
	published []SyncRequest
}

func (p *recordingPublisher) Publish(_ context.Context, req SyncRequest) error {
	p.published = append(p.published, req)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func pushRouter(d Dispatcher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/pubsub/order-sync", PubSubPushHandler(d, testutil.QuietLogger()))
	return r
}

func pushBody(t *testing.T, req SyncRequest) string {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	var env PubSubPushEnvelope
	env.Message.Data = data
	env.Message.ID = "m-1"
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return string(b)
}

func TestPubSubPushHandler_AlwaysAcks(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		dispatchFn error
		dispatched int
	}{
		{"valid", pushBody(t, SyncRequest{Kind: SyncKindInventory, ProductIds: []string{"p1"}}), nil, 1},
		{"dispatch error", pushBody(t, SyncRequest{Kind: SyncKindStatus, TransferId: 4}), errors.New("boom"), 1},
		{"garbage", `not json`, nil, 0},
		{"missing kind", pushBody(t, SyncRequest{}), nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &recordingDispatcher{err: tc.dispatchFn}
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/pubsub/order-sync", strings.NewReader(tc.body))
			pushRouter(d).ServeHTTP(w, req)

			require.Equal(t, http.StatusNoContent, w.Code)
			require.Len(t, d.requests, tc.dispatched)
		})
	}
}

func TestCommitNotifier(t *testing.T) {
	pub := &recordingPublisher{}
	n := &CommitNotifier{Publisher: pub}
	transfers := []models.Transfer{
		{Lines: []models.TransferLine{{ProductId: "p1"}, {ProductId: "p2"}}},
		{Lines: []models.TransferLine{{ProductId: "p2"}, {ProductId: "p3"}}},
	}

	require.NoError(t, n.TransfersCommitted(context.Background(), "run-1", transfers))
	require.Len(t, pub.published, 1)
	require.Equal(t, SyncKindInventory, pub.published[0].Kind)
	require.Equal(t, []string{"p1", "p2", "p3"}, pub.published[0].ProductIds)
	require.Equal(t, "run-1", pub.published[0].CorrelationId)

	n.Enabled = func() bool { return false }
	require.NoError(t, n.TransfersCommitted(context.Background(), "run-2", transfers))
	require.Len(t, pub.published, 1)
}

func TestSyncRequestKey(t *testing.T) {
	order := sampleOrder()
	require.Equal(t, "order:WEB-1001", SyncRequest{Kind: SyncKindOrder, Order: &order}.Key())
	require.Equal(t, "status:7", SyncRequest{Kind: SyncKindStatus, TransferId: 7}.Key())
	require.Equal(t, "inventory", SyncRequest{Kind: SyncKindInventory}.Key())
}
