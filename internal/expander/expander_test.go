package expander

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/internal/memoryapi"
	"github.com/batvault/gateway/internal/model"
)

func newExpandServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/graph/expand_candidates":
			_ = json.NewEncoder(w).Encode(memoryapi.ExpandCandidatesResponse{
				Anchor: model.Anchor{ID: "panasonic#exit-plasma-2012", Type: model.NodeDecision},
				Events: []model.Event{
					{ID: "e2", Tags: []string{"Market_Shift"}},
					{ID: "e1", Tags: []string{"cost"}},
					{ID: "e1", Tags: []string{"cost"}}, // duplicate, must be deduped
				},
				Preceding:  []model.Transition{{ID: "t1", Relation: model.RelationCausal}},
				Succeeding: []model.Transition{{ID: "t2", Relation: model.RelationLedTo}},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"summary": "enriched", "tags": []string{"Market_Shift"}})
		}
	}))
}

func TestExpandDedupesAndEnriches(t *testing.T) {
	srv := newExpandServer(t)
	defer srv.Close()

	e := New(memoryapi.New(srv.URL, time.Second))
	nh, err := e.Expand(context.Background(), "panasonic#exit-plasma-2012")
	require.NoError(t, err)
	require.Len(t, nh.Events, 2)
	require.Equal(t, "e1", nh.Events[0].ID)
	require.Equal(t, "e2", nh.Events[1].ID)
	require.Equal(t, "market-shift", nh.Events[1].Tags[0])
	require.Len(t, nh.Preceding, 1)
	require.Equal(t, model.OrientationPreceding, nh.Preceding[0].Orientation)
	require.Len(t, nh.Succeeding, 1)
	require.Equal(t, model.OrientationSucceeding, nh.Succeeding[0].Orientation)
}
