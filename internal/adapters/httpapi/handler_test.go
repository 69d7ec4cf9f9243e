package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"bakeops/internal/core"
	"bakeops/internal/snapshot"
	"bakeops/pkg/domain"
)

const scope = "bakery-1"

type captureLogger struct {
	entries []string
}

func (c *captureLogger) Warn(msg string, _ ...any)  { c.entries = append(c.entries, "w:"+msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.entries = append(c.entries, "e:"+msg) }

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	svc     *core.Service
	router  *gin.Engine
	log     *captureLogger
	first   string
	second  string
	metrics *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine(),
		core.WithClock(core.ClockFunc(func() time.Time { return now })),
		core.WithMetricsRecorder(rec),
	)
	h := &harness{svc: svc, log: &captureLogger{}, metrics: reg}
	h.router = NewHandler(svc, WithLogger(h.log), WithMetrics(reg)).Router()

	if _, _, err := svc.CreateIngredient(ctx, core.IngredientInput{ID: "flour", ScopeID: scope, Name: "Flour", BaseUnit: "g"}); err != nil {
		t.Fatalf("ingredient: %v", err)
	}
	if _, _, err := svc.CreateInventory(ctx, core.InventoryInput{ScopeID: scope, IngredientID: "flour", DisplayUnit: "kg"}); err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if _, _, err := svc.RecordPurchase(ctx, core.PurchaseInput{ID: "lot-a", ScopeID: scope, IngredientID: "flour", Quantity: 100, Unit: "kg", UnitCost: 2, PurchasedAt: now.AddDate(0, 0, -10)}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	recipe := core.RecipeInput{
		ID:        "bread",
		ScopeID:   scope,
		Name:      "Bread",
		Yield:     1,
		YieldUnit: "loaf",
		Sections:  []domain.RecipeSection{{Name: "dough", Lines: []domain.RecipeLine{{IngredientID: "flour", Quantity: 60, Unit: "kg"}}}},
	}
	saved, err := svc.SaveRecipe(ctx, recipe, nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	h.first = saved.SnapshotKey
	now = now.Add(2 * time.Hour)
	recipe.Name = "Country Bread"
	saved, err = svc.SaveRecipe(ctx, recipe, nil)
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	h.second = saved.SnapshotKey
	return h
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestValuationRoute(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/ledgers/bakery-1/flour/valuation?days=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var body map[string]any
	decode(t, w, &body)
	if body["total_quantity"] != float64(100) || body["unit"] != "kg" || body["total_value"] != "200" {
		t.Fatalf("unexpected report %v", body)
	}

	if w := h.do(t, http.MethodGet, "/ledgers/bakery-1/sugar/valuation", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing ledger, got %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/ledgers/bakery-1/flour/valuation?days=soon", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad days, got %d", w.Code)
	}
	if len(h.log.entries) != 1 || h.log.entries[0] != "w:request rejected" {
		t.Fatalf("expected one rejection log, got %v", h.log.entries)
	}
}

func TestCheckRoute(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodPost, "/ledgers/bakery-1/check", `{"items":[{"recipe_id":"bread","scale":1}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var ok CheckResponse
	decode(t, w, &ok)
	if !ok.Ready || len(ok.Shortfalls) != 0 {
		t.Fatalf("expected ready, got %+v", ok)
	}

	w = h.do(t, http.MethodPost, "/ledgers/bakery-1/check", `{"items":[{"recipe_id":"bread","scale":2}]}`)
	var short CheckResponse
	decode(t, w, &short)
	if short.Ready || len(short.Shortfalls) != 1 || short.Shortfalls[0].Shortfall != 20 || short.Shortfalls[0].Unit != "kg" {
		t.Fatalf("expected 20 kg short, got %+v", short)
	}

	cases := []struct {
		name string
		body string
		code int
	}{
		{"empty items", `{"items":[]}`, http.StatusBadRequest},
		{"malformed", `{"items":`, http.StatusBadRequest},
		{"zero scale", `{"items":[{"recipe_id":"bread","scale":0}]}`, http.StatusBadRequest},
		{"unknown recipe", `{"items":[{"recipe_id":"cake","scale":1}]}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := h.do(t, http.MethodPost, "/ledgers/bakery-1/check", tc.body); w.Code != tc.code {
				t.Fatalf("expected %d, got %d %s", tc.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestSnapshotRoutes(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/snapshots/bakery-1/recipe/bread?trigger=SAVE", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var listed []map[string]any
	decode(t, w, &listed)
	if len(listed) != 2 || listed[0]["key"] != h.second || listed[0]["entity_name"] != "Country Bread" {
		t.Fatalf("unexpected listing %v", listed)
	}
	w = h.do(t, http.MethodGet, "/snapshots/bakery-1/recipe/bread?limit=1", "")
	decode(t, w, &listed)
	if len(listed) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(listed))
	}
	if w := h.do(t, http.MethodGet, "/snapshots/bakery-1/recipe/bread?trigger=PUBLISH", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown trigger, got %d", w.Code)
	}

	w = h.do(t, http.MethodGet, "/snapshot?key="+url.QueryEscape(h.first), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var rec struct {
		Metadata struct {
			EntityID string `json:"entity_id"`
			Trigger  string `json:"trigger"`
		} `json:"metadata"`
		Data map[string]any `json:"data"`
	}
	decode(t, w, &rec)
	if rec.Metadata.EntityID != "bread" || rec.Metadata.Trigger != "SAVE" || rec.Data["name"] != "Bread" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if w := h.do(t, http.MethodGet, "/snapshot?key=snapshots%2Fnope", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed key, got %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/snapshot", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", w.Code)
	}

	w = h.do(t, http.MethodGet, "/snapshot-diff?older="+url.QueryEscape(h.first)+"&newer="+url.QueryEscape(h.second), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	var diff struct {
		Modified  []struct{ Path string } `json:"modified"`
		TimeDelta string                  `json:"time_delta"`
	}
	decode(t, w, &diff)
	if len(diff.Modified) != 1 || diff.Modified[0].Path != "name" || diff.TimeDelta != "2 hours" {
		t.Fatalf("unexpected diff %+v", diff)
	}
	if w := h.do(t, http.MethodGet, "/snapshot-diff?older=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without newer, got %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	if w := h.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Fatalf("unexpected health %d %s", w.Code, w.Body.String())
	}
	w := h.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "bakeops_core_operations_total") {
		t.Fatalf("expected prometheus exposition, got %d", w.Code)
	}

	bare := NewHandler(h.svc).Router()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics must be opt-in, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"missing entity", domain.NotFoundError{Entity: domain.EntityLot, ID: "x"}, http.StatusNotFound},
		{"missing snapshot", snapshot.ErrNotFound, http.StatusNotFound},
		{"malformed key", fmt.Errorf("%w: bad", snapshot.ErrInvalidKey), http.StatusBadRequest},
		{"unknown entity type", fmt.Errorf("%w: widget", snapshot.ErrUnknownEntityType), http.StatusBadRequest},
		{"invalid scale", core.ErrInvalidScale, http.StatusBadRequest},
		{"invalid stored payload", fmt.Errorf("%w: key", snapshot.ErrSnapshotUnavailable), http.StatusUnprocessableEntity},
		{"completed run", core.ErrRunCompleted, http.StatusConflict},
		{"unexpected", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusFor(tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestGetSnapshotUnknownEntityTypeIsBadRequest(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/snapshot?key="+url.QueryEscape("snapshots/bakery/widget/w1/2024-01-01T00_00_00.000000000Z--v1--x.json"), "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}
