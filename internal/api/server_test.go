package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fledge-hq/fledge/internal/config"
	"github.com/fledge-hq/fledge/internal/engine"
	"github.com/fledge-hq/fledge/internal/milestone"
	"github.com/fledge-hq/fledge/internal/trust"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *engine.MemStores) {
	t.Helper()
	mem := engine.NewMemStores()
	eng := engine.New(engine.Options{
		Stores: mem.Stores(),
		Policy: config.Default().Policy,
		Clock:  fixedClock{t: testNow},
	})
	return New(Config{Port: 0, Engine: eng}), mem
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHandleRecordFactors(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "POST", "/api/v1/children/child-1/factors", map[string]interface{}{
		"factors": []map[string]interface{}{
			{"type": "healthy_usage", "category": "positive", "value": 3},
		},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var update engine.ScoreUpdate
	if err := json.NewDecoder(w.Body).Decode(&update); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if update.Score.CurrentScore != 73 {
		t.Errorf("CurrentScore = %d, want 73", update.Score.CurrentScore)
	}
}

func TestHandleRecordFactors_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty factors", map[string]interface{}{"factors": []interface{}{}}},
		{"bad category", map[string]interface{}{"factors": []map[string]interface{}{
			{"type": "healthy_usage", "category": "wonderful", "value": 1},
		}}},
		{"missing type", map[string]interface{}{"factors": []map[string]interface{}{
			{"category": "positive", "value": 1},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, "POST", "/api/v1/children/child-1/factors", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandleGetScore_CreatesOnFirstRead(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/v1/children/child-1/score", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var score trust.Score
	json.NewDecoder(w.Body).Decode(&score)
	if score.CurrentScore != 70 {
		t.Errorf("CurrentScore = %d, want 70", score.CurrentScore)
	}
}

func TestHandleGetMonitoring(t *testing.T) {
	s, mem := newTestServer(t)

	growing := milestone.LevelGrowing
	mem.Stores().Milestones.Save(context.Background(), &milestone.Status{
		ChildID:      "child-1",
		CurrentLevel: &growing,
	})

	w := doJSON(t, s, "GET", "/api/v1/children/child-1/monitoring", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var m engine.Monitoring
	json.NewDecoder(w.Body).Decode(&m)
	if m.Cadence != 15*time.Minute {
		t.Errorf("Cadence = %v, want 15m", m.Cadence)
	}
	if !m.CanChange {
		t.Error("CanChange should be true with no open regression")
	}
}

func TestRegressionEndpoints(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	// Seed a downgrade: history says growing, status says maturing.
	score := &trust.Score{ChildID: "child-1", CurrentScore: 80, CreatedAt: testNow, UpdatedAt: testNow}
	for i := 34; i >= 0; i-- {
		score.History = append(score.History, trust.Snapshot{Score: 80, RecordedAt: testNow.AddDate(0, 0, -i)})
	}
	mem.Stores().Scores.Create(ctx, score)
	maturing := milestone.LevelMaturing
	mem.Stores().Milestones.Save(ctx, &milestone.Status{ChildID: "child-1", CurrentLevel: &maturing})

	w := doJSON(t, s, "POST", "/api/v1/children/child-1/factors", map[string]interface{}{
		"factors": []map[string]interface{}{
			{"type": "self_report", "category": "neutral", "value": 0},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var update engine.ScoreUpdate
	json.NewDecoder(w.Body).Decode(&update)
	if update.Regression == nil {
		t.Fatal("downgrade should open a regression event")
	}
	evID := update.Regression.ID

	// Open regression is visible on the child resource.
	w = doJSON(t, s, "GET", "/api/v1/children/child-1/regression", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var openResp struct {
		Open bool `json:"open"`
	}
	json.NewDecoder(w.Body).Decode(&openResp)
	if !openResp.Open {
		t.Error("open = false, want true")
	}

	// Resolve before conversation is a precondition failure.
	w = doJSON(t, s, "POST", fmt.Sprintf("/api/v1/regressions/%s/resolve", evID), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("resolve without conversation: status = %d, want 422", w.Code)
	}

	w = doJSON(t, s, "POST", fmt.Sprintf("/api/v1/regressions/%s/explanation", evID), map[string]string{
		"explanation": "the project needed those sites",
	})
	if w.Code != http.StatusOK {
		t.Errorf("explanation: status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "POST", fmt.Sprintf("/api/v1/regressions/%s/conversation", evID), map[string]string{
		"parent_notes": "cleared it up",
	})
	if w.Code != http.StatusOK {
		t.Errorf("conversation: status = %d, body %s", w.Code, w.Body.String())
	}

	// Closing is gated on the conversation alone; the grace window only
	// blocks monitoring changes.
	w = doJSON(t, s, "POST", fmt.Sprintf("/api/v1/regressions/%s/resolve", evID), nil)
	if w.Code != http.StatusOK {
		t.Errorf("resolve: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestHandleGetRegression_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/v1/regressions/nope/", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestReductionEndpoints_OverrideFlow(t *testing.T) {
	s, mem := newTestServer(t)
	ctx := context.Background()

	score := &trust.Score{ChildID: "child-1", CurrentScore: 96, CreatedAt: testNow, UpdatedAt: testNow}
	for i := 179; i >= 0; i-- {
		score.History = append(score.History, trust.Snapshot{Score: 96, RecordedAt: testNow.AddDate(0, 0, -i)})
	}
	mem.Stores().Scores.Create(ctx, score)

	w := doJSON(t, s, "POST", "/api/v1/children/child-1/reduction/check", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("check: status = %d", w.Code)
	}
	var checkResp struct {
		Eligible bool `json:"eligible"`
	}
	json.NewDecoder(w.Body).Decode(&checkResp)
	if !checkResp.Eligible {
		t.Fatal("eligible = false, want true")
	}

	// Child agreeing before the guardian requested is rejected.
	w = doJSON(t, s, "POST", "/api/v1/children/child-1/reduction/override/agree", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("premature agree: status = %d, want 422", w.Code)
	}

	w = doJSON(t, s, "POST", "/api/v1/children/child-1/reduction/override", nil)
	if w.Code != http.StatusOK {
		t.Errorf("override request: status = %d", w.Code)
	}
	w = doJSON(t, s, "POST", "/api/v1/children/child-1/reduction/override/agree", nil)
	if w.Code != http.StatusOK {
		t.Errorf("agree: status = %d", w.Code)
	}

	// With the dual-consent override active, apply is blocked.
	w = doJSON(t, s, "POST", "/api/v1/children/child-1/reduction/apply", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("apply with override: status = %d, want 422", w.Code)
	}
}

func TestHandleGetLadder(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/v1/ladder", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Levels []milestone.LevelDef `json:"levels"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Levels) != 3 {
		t.Errorf("got %d levels, want 3", len(resp.Levels))
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHandleGetLedger_Unconfigured(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, "GET", "/api/v1/ledger", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := NewWebSocketHub()

	// Unconnected hub drops messages without blocking.
	for i := 0; i < 100; i++ {
		hub.Broadcast(WebSocketMessage{Type: "score.updated", Timestamp: testNow})
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", hub.ClientCount())
	}
}
