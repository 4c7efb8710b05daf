package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	queuememory "github.com/crawlpool/crawlpool/internal/infrastructure/memory"
	"github.com/crawlpool/crawlpool/internal/transport/http/handler"
	"github.com/crawlpool/crawlpool/internal/usecase"
)

func newScheduleAPI(t *testing.T) *gin.Engine {
	t.Helper()
	repo := queuememory.NewScheduleRepository(queuememory.NewJobRepository())
	h := handler.NewScheduleHandler(usecase.NewScheduleService(repo, discardLogger()), discardLogger())

	r := gin.New()
	r.POST("/schedules", h.Create)
	r.GET("/schedules", h.List)
	r.GET("/schedules/:id", h.GetByID)
	r.POST("/schedules/:id/pause", h.Pause)
	r.POST("/schedules/:id/resume", h.Resume)
	r.DELETE("/schedules/:id", h.Delete)
	return r
}

func doJSON(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

const validSchedule = `{"name":"nightly","cron_expr":"0 3 * * *","kind":"crawl","url":"https://example.com/sitemap"}`

func TestCreateSchedule(t *testing.T) {
	api := newScheduleAPI(t)

	w := doJSON(api, http.MethodPost, "/schedules", validSchedule)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["name"] != "nightly" || resp["paused"] != false {
		t.Fatalf("unexpected schedule %v", resp)
	}
	if resp["next_run_at"] == nil {
		t.Fatal("first run not computed")
	}

	// Same name again conflicts.
	if w := doJSON(api, http.MethodPost, "/schedules", validSchedule); w.Code != http.StatusConflict {
		t.Fatalf("duplicate name: status = %d, want 409", w.Code)
	}
}

func TestCreateSchedule_BadInput(t *testing.T) {
	api := newScheduleAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad cron", `{"name":"x","cron_expr":"bogus","kind":"crawl","url":"https://example.com/"}`},
		{"missing name", `{"cron_expr":"* * * * *","kind":"crawl","url":"https://example.com/"}`},
		{"bad payload", `{"name":"y","cron_expr":"* * * * *","kind":"crawl","url":"gopher://example.com/"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := doJSON(api, http.MethodPost, "/schedules", tt.body); w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSchedulePauseResumeFlow(t *testing.T) {
	api := newScheduleAPI(t)

	w := doJSON(api, http.MethodPost, "/schedules", validSchedule)
	var created map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created["id"].(string)

	if w := doJSON(api, http.MethodPost, "/schedules/"+id+"/pause", ""); w.Code != http.StatusNoContent {
		t.Fatalf("pause: status = %d", w.Code)
	}
	if w := doJSON(api, http.MethodPost, "/schedules/"+id+"/pause", ""); w.Code != http.StatusConflict {
		t.Fatalf("re-pause: status = %d, want 409", w.Code)
	}
	if w := doJSON(api, http.MethodPost, "/schedules/"+id+"/resume", ""); w.Code != http.StatusNoContent {
		t.Fatalf("resume: status = %d", w.Code)
	}
	if w := doJSON(api, http.MethodPost, "/schedules/"+id+"/resume", ""); w.Code != http.StatusConflict {
		t.Fatalf("re-resume: status = %d, want 409", w.Code)
	}

	if w := doJSON(api, http.MethodDelete, "/schedules/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", w.Code)
	}
	if w := doJSON(api, http.MethodGet, "/schedules/"+id, ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted: status = %d, want 404", w.Code)
	}
}

func TestListSchedules(t *testing.T) {
	api := newScheduleAPI(t)
	doJSON(api, http.MethodPost, "/schedules", validSchedule)
	doJSON(api, http.MethodPost, "/schedules", `{"name":"weekly","cron_expr":"0 4 * * 1","kind":"search","query":"go releases"}`)

	w := doJSON(api, http.MethodGet, "/schedules", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d", w.Code)
	}
	var resp struct {
		Schedules  []map[string]any `json:"schedules"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Schedules) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(resp.Schedules))
	}

	if w := doJSON(api, http.MethodGet, "/schedules?cursor=!!!not-a-cursor", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor: status = %d, want 400", w.Code)
	}
}
