package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dailygrid/backend/internal/facts"
	"github.com/dailygrid/backend/internal/leaderboard"
	"github.com/dailygrid/backend/internal/progress"
	"github.com/dailygrid/backend/internal/syncer"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL:    server.URL,
		UserID:     "player-1",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestPushDecodesPerRecordOutcomes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/push" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-User-ID") != "player-1" {
			t.Errorf("expected user header, got %q", r.Header.Get("X-User-ID"))
		}
		var request struct {
			Records []syncer.RemoteRecord `json:"records"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"outcomes": []map[string]string{
				{"fact_id": "fact-1", "status": "delivered"},
				{"fact_id": "fact-2", "status": "terminal", "error": "payload rejected"},
				{"fact_id": "fact-3", "status": "transient", "error": "busy"},
			},
		})
	})

	outcomes, err := client.Push(context.Background(), []syncer.RemoteRecord{
		{Kind: syncer.KindResult, FactID: "fact-1", PayloadJSON: "{}"},
		{Kind: syncer.KindResult, FactID: "fact-2", PayloadJSON: "{}"},
		{Kind: syncer.KindScore, FactID: "fact-3", PayloadJSON: "{}"},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Class != syncer.OutcomeDelivered {
		t.Fatalf("expected delivered, got %+v", outcomes[0])
	}
	if outcomes[1].Class != syncer.OutcomeTerminal || outcomes[1].Err == nil {
		t.Fatalf("expected terminal with error, got %+v", outcomes[1])
	}
	if outcomes[2].Class != syncer.OutcomeTransient {
		t.Fatalf("expected transient, got %+v", outcomes[2])
	}
}

func TestPushMapsMissingContainerToNotProvisioned(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := client.Push(context.Background(), []syncer.RemoteRecord{{FactID: "fact-1"}})
	if !errors.Is(err, syncer.ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
}

func TestPushMapsForbiddenToPermissionDenied(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.Push(context.Background(), []syncer.RemoteRecord{{FactID: "fact-1"}})
	if !errors.Is(err, syncer.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestPushTreatsRateLimitAsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Push(context.Background(), []syncer.RemoteRecord{{FactID: "fact-1"}})
	if err == nil {
		t.Fatal("expected an error for a rate-limited push")
	}
	if got := syncer.ClassifyPushError(err); got != syncer.OutcomeTransient {
		t.Fatalf("rate limiting must stay retryable, classified %q from %v", got, err)
	}
}

func TestPushMapsStorageExhaustionToQuotaExceeded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	})

	_, err := client.Push(context.Background(), []syncer.RemoteRecord{{FactID: "fact-1"}})
	if !errors.Is(err, syncer.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestPullSinceCarriesCursor(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cursor"); got != "cursor-41" {
			t.Errorf("expected cursor query, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"records": []syncer.RemoteRecord{
				{Kind: syncer.KindResult, FactID: "fact-9", PayloadJSON: "{}"},
			},
			"cursor": "cursor-42",
		})
	})

	records, cursor, err := client.PullSince(context.Background(), "cursor-41")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(records) != 1 || records[0].FactID != "fact-9" {
		t.Fatalf("expected replayed record, got %+v", records)
	}
	if cursor != "cursor-42" {
		t.Fatalf("expected advanced cursor, got %q", cursor)
	}
}

func TestProgressFetchTreatsMissingRecordAsBenign(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, found, err := client.Fetch(context.Background(), "daily-play")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if found {
		t.Fatal("expected found=false for a missing remote record")
	}
}

func TestProgressRoundTrip(t *testing.T) {
	stored := progress.Record{
		Category:     "daily-play",
		CurrentValue: 12,
		CurrentTier:  progress.TierBronze,
		TierUnlockDates: map[progress.Tier]facts.DateKey{
			progress.TierBronze: 20260301,
		},
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(stored)
		case http.MethodPut:
			var received progress.Record
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				t.Errorf("decode put body: %v", err)
			}
			if !progress.Equal(received, stored) {
				t.Errorf("put body drifted: %+v", received)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	record, found, err := client.Fetch(context.Background(), "daily-play")
	if err != nil || !found {
		t.Fatalf("fetch: found=%v err=%v", found, err)
	}
	if !progress.Equal(record, stored) {
		t.Fatalf("fetched record drifted: %+v", record)
	}
	if err := client.Put(context.Background(), record); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestLeaderboardQueryMapsMissingGroup(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	start, _ := facts.NewDateKey(20260301)
	end, _ := facts.NewDateKey(20260307)
	_, err := client.Query(context.Background(), "group-x", start, end)
	if !errors.Is(err, leaderboard.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestLeaderboardQuerySendsWindow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("group_id") != "group-1" || query.Get("start_key") != "20260301" || query.Get("end_key") != "20260307" {
			t.Errorf("unexpected query: %v", query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"scores": []facts.Score{{ScoreID: "u:20260301:g", UserID: "u", ActivityID: "g", DateKey: 20260301, Value: 3}},
		})
	})

	start, _ := facts.NewDateKey(20260301)
	end, _ := facts.NewDateKey(20260307)
	scores, err := client.Query(context.Background(), "group-1", start, end)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(scores) != 1 || scores[0].ScoreID != "u:20260301:g" {
		t.Fatalf("expected decoded scores, got %+v", scores)
	}
}

func TestDisabledRemoteKeepsQueueAlive(t *testing.T) {
	disabled := Disabled{}

	if _, err := disabled.Push(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, _, err := disabled.PullSince(context.Background(), ""); !errors.Is(err, syncer.ErrNotProvisioned) {
		t.Fatalf("expected not-provisioned pull, got %v", err)
	}
}
