package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-manager/internal/executor/executortest"
	"github.com/bigkaa/goartstore/upload-manager/internal/service"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

const waitTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testAPI — роутер с реальным сервисом и управляемым исполнителем.
type testAPI struct {
	router chi.Router
	svc    *service.UploadService
	exec   *executortest.Manual
}

func newTestAPI(t *testing.T, policy model.UploadPolicy) *testAPI {
	t.Helper()
	logger := testLogger()

	idx := index.New(logger)
	exec := executortest.NewManual()
	scheduler := service.NewScheduler(idx, exec, policy.Concurrency, logger)
	previews := service.NewPreviewService(32, 16, time.Minute, logger)
	svc := service.NewUploadService(idx, service.NewValidator(policy), previews, scheduler, logger)
	t.Cleanup(svc.Close)

	api := NewAPIHandler(
		NewFilesHandler(svc, 1<<20, logger),
		NewUploadsHandler(svc, logger),
		NewSystemHandler(svc, "manual"),
		NewEventsHandler(svc, time.Second, logger),
		NewHealthHandler(t.TempDir(), nil, svc.Closing),
	)
	router := chi.NewRouter()
	api.Register(router)

	return &testAPI{router: router, svc: svc, exec: exec}
}

func defaultPolicy() model.UploadPolicy {
	return model.UploadPolicy{MaxFileSize: 1 << 16, Concurrency: 2}
}

type part struct {
	name string
	data []byte
}

// multipartBody собирает multipart-форму с полями files.
func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := mw.CreateFormFile("files", p.name)
		if err != nil {
			t.Fatalf("ошибка создания части: %v", err)
		}
		_, _ = fw.Write(p.data)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func (a *testAPI) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// addFiles отправляет файлы и возвращает ID принятых.
func (a *testAPI) addFiles(t *testing.T, parts ...part) []string {
	t.Helper()
	body, ct := multipartBody(t, parts...)
	rec := a.do(t, http.MethodPost, "/api/v1/files", body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/v1/files: ожидался 201, получен %d: %s", rec.Code, rec.Body.String())
	}
	var res service.AddResult
	decode(t, rec, &res)
	ids := make([]string, 0, len(res.Accepted))
	for _, r := range res.Accepted {
		ids = append(ids, r.ID)
	}
	return ids
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("ошибка декодирования %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error.Code
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TestAddFiles_PartialAccept проверяет приём пакета с частичным отказом.
func TestAddFiles_PartialAccept(t *testing.T) {
	api := newTestAPI(t, model.UploadPolicy{MaxFileSize: 16, Concurrency: 1})

	body, ct := multipartBody(t,
		part{"small.txt", []byte("ok")},
		part{"big.txt", bytes.Repeat([]byte("x"), 100)},
	)
	rec := api.do(t, http.MethodPost, "/api/v1/files", body, ct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидался 201, получен %d: %s", rec.Code, rec.Body.String())
	}

	var res service.AddResult
	decode(t, rec, &res)
	if len(res.Accepted) != 1 || res.Accepted[0].Name != "small.txt" {
		t.Errorf("неожиданный список принятых: %+v", res.Accepted)
	}
	if res.Accepted[0].Status != model.StatusPending {
		t.Errorf("статус: ожидался pending, получен %s", res.Accepted[0].Status)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Name != "big.txt" {
		t.Errorf("неожиданный список отклонённых: %+v", res.Rejected)
	}
}

// TestAddFiles_AllTooLarge проверяет 413, если все файлы превышают лимит.
func TestAddFiles_AllTooLarge(t *testing.T) {
	api := newTestAPI(t, model.UploadPolicy{MaxFileSize: 4, Concurrency: 1})

	body, ct := multipartBody(t, part{"big.txt", []byte("too large")})
	rec := api.do(t, http.MethodPost, "/api/v1/files", body, ct)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("ожидался 413, получен %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "FILE_TOO_LARGE" {
		t.Errorf("код: ожидался FILE_TOO_LARGE, получен %s", code)
	}
}

// TestAddFiles_TypeNotAllowed проверяет 400 при недопустимом типе.
func TestAddFiles_TypeNotAllowed(t *testing.T) {
	api := newTestAPI(t, model.UploadPolicy{MaxFileSize: 1 << 16, AllowedTypes: []string{"image/"}, Concurrency: 1})

	body, ct := multipartBody(t, part{"notes.txt", []byte("hello world")})
	rec := api.do(t, http.MethodPost, "/api/v1/files", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидался 400, получен %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "File type not allowed") {
		t.Errorf("ожидалась причина отказа по типу: %s", rec.Body.String())
	}
}

// TestAddFiles_NoFiles проверяет 400 без поля files.
func TestAddFiles_NoFiles(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("comment", "no files")
	_ = mw.Close()

	rec := api.do(t, http.MethodPost, "/api/v1/files", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидался 400, получен %d", rec.Code)
	}
}

// TestListAndGetFiles проверяет список, фильтр и получение записи.
func TestListAndGetFiles(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())
	ids := api.addFiles(t, part{"a.txt", []byte("a")}, part{"b.txt", []byte("b")})

	rec := api.do(t, http.MethodGet, "/api/v1/files", nil, "")
	var list fileListResponse
	decode(t, rec, &list)
	if list.Total != 2 || list.Items[0].ID != ids[0] || list.Items[1].ID != ids[1] {
		t.Errorf("неожиданный список: %+v", list.Items)
	}
	if list.Summary.Pending != 2 {
		t.Errorf("summary.pending: ожидалось 2, получено %d", list.Summary.Pending)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/files?status=completed", nil, "")
	decode(t, rec, &list)
	if list.Total != 0 {
		t.Errorf("фильтр completed: ожидалось 0, получено %d", list.Total)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/files?status=bogus", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("неизвестный статус: ожидался 400, получен %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/files/"+ids[0], nil, "")
	var got model.FileRecord
	decode(t, rec, &got)
	if got.Name != "a.txt" {
		t.Errorf("имя: ожидалось a.txt, получено %s", got.Name)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/files/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404, получен %d", rec.Code)
	}
}

// TestPreview проверяет выдачу превью изображения.
func TestPreview(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())
	ids := api.addFiles(t, part{"pic.png", pngBytes(t, 64, 32)}, part{"a.txt", []byte("text")})

	rec := api.do(t, http.MethodGet, "/api/v1/files/"+ids[0]+"/preview", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался 200, получен %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type: ожидался image/png, получен %s", ct)
	}
	cfg, err := png.DecodeConfig(rec.Body)
	if err != nil {
		t.Fatalf("превью не является PNG: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 16 {
		t.Errorf("размер превью: ожидалось 32x16, получено %dx%d", cfg.Width, cfg.Height)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/files/"+ids[1]+"/preview", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("не-изображение: ожидался 404, получен %d", rec.Code)
	}
}

// TestUploadFlow проверяет запуск прохода, повторный запуск и pause/resume через API.
func TestUploadFlow(t *testing.T) {
	api := newTestAPI(t, model.UploadPolicy{MaxFileSize: 1 << 16, Concurrency: 1})
	ids := api.addFiles(t, part{"a.txt", []byte("a")})

	rec := api.do(t, http.MethodPost, "/api/v1/uploads", nil, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидался 202, получен %d: %s", rec.Code, rec.Body.String())
	}
	var started startResponse
	decode(t, rec, &started)
	if started.Scheduled != 1 || started.Concurrency != 1 {
		t.Errorf("неожиданный ответ: %+v", started)
	}

	tr, err := api.exec.Next(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/uploads", nil, "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "UPLOAD_IN_PROGRESS" {
		t.Errorf("повторный запуск: ожидался 409 UPLOAD_IN_PROGRESS, получен %d", rec.Code)
	}

	tr.Progress(40, 100, 1)
	rec = api.do(t, http.MethodPost, "/api/v1/files/"+ids[0]+"/pause", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}
	var paused model.FileRecord
	decode(t, rec, &paused)
	if paused.Status != model.StatusPaused || paused.Progress != 40 {
		t.Errorf("после pause: статус %s, прогресс %d", paused.Status, paused.Progress)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/files/"+ids[0]+"/pause", nil, "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "NOOP_INTENT" {
		t.Errorf("повторная pause: ожидался 409 NOOP_INTENT, получен %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/files/"+ids[0]+"/resume", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: ожидался 200, получен %d", rec.Code)
	}
	resumed, err := api.exec.Next(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Req.StartPercent != 40 {
		t.Errorf("resume: ожидался старт с 40%%, получено %d", resumed.Req.StartPercent)
	}
	resumed.Succeed()

	deadline := time.Now().Add(waitTimeout)
	var done model.FileRecord
	for {
		rec = api.do(t, http.MethodGet, "/api/v1/files/"+ids[0], nil, "")
		decode(t, rec, &done)
		if done.Status == model.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("файл не завершён: статус %s", done.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if done.Progress != 100 || done.Location != "manual://"+ids[0] {
		t.Errorf("итог: прогресс %d, location %s", done.Progress, done.Location)
	}

	var status passStatusResponse
	for {
		rec = api.do(t, http.MethodGet, "/api/v1/uploads", nil, "")
		decode(t, rec, &status)
		if status.LastPass != nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status.LastPass == nil || status.LastPass.Scheduled != 1 {
		t.Errorf("неожиданный итог прохода: %+v", status.LastPass)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/uploads", nil, "")
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "NOTHING_TO_UPLOAD" {
		t.Errorf("без pending: ожидался 409 NOTHING_TO_UPLOAD, получен %d", rec.Code)
	}
}

// TestCancel_NotFound проверяет 404 для намерения над неизвестным файлом.
func TestCancel_NotFound(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())

	rec := api.do(t, http.MethodPost, "/api/v1/files/missing/cancel", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("ожидался 404, получен %d", rec.Code)
	}
}

// TestRemoveAndClear проверяет удаление файла и очистку очереди.
func TestRemoveAndClear(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())
	ids := api.addFiles(t, part{"a.txt", []byte("a")}, part{"b.txt", []byte("b")}, part{"c.txt", []byte("c")})

	rec := api.do(t, http.MethodDelete, "/api/v1/files/"+ids[0], nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ожидался 204, получен %d", rec.Code)
	}
	rec = api.do(t, http.MethodDelete, "/api/v1/files/"+ids[0], nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("повторное удаление: ожидался 404, получен %d", rec.Code)
	}

	rec = api.do(t, http.MethodDelete, "/api/v1/files", nil, "")
	var cleared map[string]int
	decode(t, rec, &cleared)
	if cleared["removed"] != 2 {
		t.Errorf("removed: ожидалось 2, получено %d", cleared["removed"])
	}
	if n := len(api.svc.Snapshot().Files); n != 0 {
		t.Errorf("очередь не пуста: %d", n)
	}
}

// TestSummaryAndInfo проверяет агрегаты и сведения о сервисе.
func TestSummaryAndInfo(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())
	api.addFiles(t, part{"a.txt", bytes.Repeat([]byte("a"), 2048)})

	rec := api.do(t, http.MethodGet, "/api/v1/summary", nil, "")
	var sum summaryResponse
	decode(t, rec, &sum)
	if sum.Total != 1 || sum.TotalBytes != 2048 || sum.TotalHuman != "2.0 KiB" {
		t.Errorf("неожиданный summary: %+v", sum)
	}
	if sum.Percent != 0 || sum.UploadRunning {
		t.Errorf("до загрузки: percent %d, running %v", sum.Percent, sum.UploadRunning)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/info", nil, "")
	var info infoResponse
	decode(t, rec, &info)
	if info.Executor != "manual" || info.Policy.Concurrency != 2 || info.MaxFileSizeHuman != "64 KiB" {
		t.Errorf("неожиданный info: %+v", info)
	}
}

// TestHealth проверяет probes.
func TestHealth(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())

	if rec := api.do(t, http.MethodGet, "/health/live", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("live: ожидался 200, получен %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/health/ready", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("ready: ожидался 200, получен %d: %s", rec.Code, rec.Body.String())
	}

	api.svc.Close()
	if rec := api.do(t, http.MethodGet, "/health/ready", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready после остановки: ожидался 503, получен %d", rec.Code)
	}
}

// TestEvents_InitialSnapshot проверяет первое событие потока.
func TestEvents_InitialSnapshot(t *testing.T) {
	api := newTestAPI(t, defaultPolicy())
	api.addFiles(t, part{"a.txt", []byte("a")})

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ошибка запроса: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type: ожидался text/event-stream, получен %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev snapshotEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("ошибка декодирования события: %v", err)
		}
		if ev.Total != 1 || ev.Items[0].Name != "a.txt" {
			t.Errorf("неожиданный снимок: %+v", ev)
		}
		return
	}
	t.Fatal("событие snapshot не получено")
}
