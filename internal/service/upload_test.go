package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-manager/internal/domain/transfer"
	"github.com/bigkaa/goartstore/upload-manager/internal/executor/executortest"
	"github.com/bigkaa/goartstore/upload-manager/internal/storage/index"
)

const waitTimeout = 2 * time.Second

// testLogger возвращает логгер для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// testEnv — сервис очереди с управляемым исполнителем.
type testEnv struct {
	idx  *index.Index
	exec *executortest.Manual
	svc  *UploadService
}

// newTestEnv создаёт окружение с указанной политикой.
func newTestEnv(t *testing.T, policy model.UploadPolicy) *testEnv {
	t.Helper()
	logger := testLogger()

	idx := index.New(logger)
	exec := executortest.NewManual()
	scheduler := NewScheduler(idx, exec, policy.Concurrency, logger)
	previews := NewPreviewService(64, 16, time.Minute, logger)
	svc := NewUploadService(idx, NewValidator(policy), previews, scheduler, logger)
	t.Cleanup(svc.Close)

	return &testEnv{idx: idx, exec: exec, svc: svc}
}

// defaultPolicy — политика без ограничений типа.
func defaultPolicy(concurrency int) model.UploadPolicy {
	return model.UploadPolicy{MaxFileSize: 10 << 20, Concurrency: concurrency}
}

// addText добавляет текстовые файлы и возвращает их ID в порядке приёма.
func (e *testEnv) addText(t *testing.T, names ...string) []string {
	t.Helper()
	files := make([]RawFile, 0, len(names))
	for _, name := range names {
		files = append(files, RawFile{Name: name, MimeType: "text/plain", Bytes: []byte("content of " + name)})
	}
	res := e.svc.AddFiles(context.Background(), files)
	if len(res.Accepted) != len(names) {
		t.Fatalf("ожидалось %d принятых, получено %d (%v)", len(names), len(res.Accepted), res.Rejected)
	}
	ids := make([]string, 0, len(names))
	for _, rec := range res.Accepted {
		ids = append(ids, rec.ID)
	}
	return ids
}

// uploadAsync запускает UploadAll в горутине.
func (e *testEnv) uploadAsync() <-chan *PassResult {
	ch := make(chan *PassResult, 1)
	go func() {
		res, err := e.svc.UploadAll(context.Background())
		if err != nil {
			ch <- nil
			return
		}
		ch <- res
	}()
	return ch
}

// next ожидает очередной запуск передачи.
func (e *testEnv) next(t *testing.T) *executortest.Transfer {
	t.Helper()
	tr, err := e.exec.Next(waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

// expectNoStart проверяет, что новых передач не запускается.
func (e *testEnv) expectNoStart(t *testing.T) {
	t.Helper()
	if tr, err := e.exec.Next(50 * time.Millisecond); err == nil {
		t.Fatalf("неожиданный запуск передачи %s", tr.Req.Name)
	}
}

// waitStatus ожидает перехода записи в статус.
func (e *testEnv) waitStatus(t *testing.T, id string, status model.FileStatus) model.FileRecord {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		rec, ok := e.idx.Get(id)
		if ok && rec.Status == status {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("файл %s: ожидался статус %s, текущий %s", id, status, rec.Status)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitPass ожидает завершения прохода.
func waitPass(t *testing.T, ch <-chan *PassResult) *PassResult {
	t.Helper()
	select {
	case res := <-ch:
		if res == nil {
			t.Fatal("UploadAll завершился ошибкой")
		}
		return res
	case <-time.After(waitTimeout):
		t.Fatal("проход не завершился")
	}
	return nil
}

// TestAddFiles_PolicyScenario — три файла, политика только для изображений до 1 МБ.
func TestAddFiles_PolicyScenario(t *testing.T) {
	env := newTestEnv(t, model.UploadPolicy{
		MaxFileSize:  1_000_000,
		AllowedTypes: []string{"image"},
		Concurrency:  2,
	})

	res := env.svc.AddFiles(context.Background(), []RawFile{
		{Name: "a.png", Size: 500_000, MimeType: "image/png"},
		{Name: "b.txt", Size: 100, MimeType: "text/plain"},
		{Name: "c.jpg", Size: 2_000_000, MimeType: "image/jpeg"},
	})

	if len(res.Accepted) != 1 || res.Accepted[0].Name != "a.png" {
		t.Fatalf("ожидался приём только a.png: %+v", res.Accepted)
	}
	if res.Accepted[0].Status != model.StatusPending || res.Accepted[0].Progress != 0 {
		t.Errorf("принятый файл должен быть pending/0: %+v", res.Accepted[0])
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("ожидалось 2 отказа, получено %d", len(res.Rejected))
	}
	if res.Rejected[0].Name != "b.txt" || res.Rejected[0].Reasons[0] != ReasonTypeNotAllowed {
		t.Errorf("b.txt: неверный отказ %+v", res.Rejected[0])
	}
	if res.Rejected[1].Name != "c.jpg" || !res.Rejected[1].TooLarge {
		t.Errorf("c.jpg: неверный отказ %+v", res.Rejected[1])
	}

	pass := env.uploadAsync()

	tr := env.next(t)
	if tr.Req.Name != "a.png" || tr.Req.StartPercent != 0 {
		t.Errorf("неверный запрос: %+v", tr.Req)
	}
	// Второй слот свободен, но загружать больше нечего
	env.expectNoStart(t)
	tr.Succeed()

	result := waitPass(t, pass)
	if result.Scheduled != 1 || result.Waves != 1 || result.Completed != 1 {
		t.Errorf("неверный итог прохода: %+v", result)
	}

	rec := env.waitStatus(t, res.Accepted[0].ID, model.StatusCompleted)
	if rec.Progress != 100 || rec.Location != "manual://"+rec.ID {
		t.Errorf("неверная завершённая запись: %+v", rec)
	}
}

// TestAddFiles_SniffsMimeType проверяет определение типа по содержимому.
func TestAddFiles_SniffsMimeType(t *testing.T) {
	env := newTestEnv(t, model.UploadPolicy{
		MaxFileSize:  1 << 20,
		AllowedTypes: []string{"application/pdf"},
		Concurrency:  1,
	})

	res := env.svc.AddFiles(context.Background(), []RawFile{
		{Name: "doc", Bytes: []byte("%PDF-1.7\n%...")},
	})
	if len(res.Accepted) != 1 {
		t.Fatalf("ожидался приём pdf: %+v", res.Rejected)
	}
	if res.Accepted[0].MimeType != "application/pdf" {
		t.Errorf("ожидался application/pdf, получено %s", res.Accepted[0].MimeType)
	}
	if res.Accepted[0].Size != int64(len("%PDF-1.7\n%...")) {
		t.Errorf("размер должен браться из содержимого: %d", res.Accepted[0].Size)
	}
}

// TestAddFiles_UniqueIDs проверяет уникальность ID и порядок приёма.
func TestAddFiles_UniqueIDs(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))
	ids := env.addText(t, "1.txt", "2.txt", "3.txt")

	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("повторный ID %s", id)
		}
		seen[id] = true
	}

	snap := env.svc.Snapshot()
	for i, rec := range snap.Files {
		if rec.ID != ids[i] {
			t.Errorf("позиция %d: ожидался %s, получено %s", i, ids[i], rec.ID)
		}
	}
	if snap.Summary.Pending != 3 {
		t.Errorf("ожидалось 3 pending, получено %d", snap.Summary.Pending)
	}
}

// TestAddFiles_NegativeSize проверяет отказ файлу с отрицательным размером.
func TestAddFiles_NegativeSize(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))

	res := env.svc.AddFiles(context.Background(), []RawFile{{Name: "neg.txt", Size: -5, MimeType: "text/plain"}})
	if len(res.Accepted) != 0 || len(res.Rejected) != 1 {
		t.Fatalf("ожидался отказ: принято %d, отклонено %d", len(res.Accepted), len(res.Rejected))
	}
	if got := res.Rejected[0].Reasons; len(got) != 1 || got[0] != ReasonInvalidSize {
		t.Errorf("неожиданные причины: %v", got)
	}

	snap := env.svc.Snapshot()
	if snap.Summary.Total != 0 || snap.Summary.TotalBytes != 0 {
		t.Errorf("очередь должна быть пуста: %+v", snap.Summary)
	}
}

// TestAddFiles_CancelledContext проверяет отказ при отменённом контексте.
func TestAddFiles_CancelledContext(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := env.svc.AddFiles(ctx, []RawFile{{Name: "a.txt", MimeType: "text/plain", Bytes: []byte("a")}})
	if len(res.Accepted) != 0 || len(res.Rejected) != 1 {
		t.Errorf("ожидался отказ: %+v", res)
	}
}

// TestPauseResume проверяет, что прогресс не убывает и resume стартует с p.
func TestPauseResume(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(2))
	ids := env.addText(t, "a.txt")
	id := ids[0]

	pass := env.uploadAsync()
	first := env.next(t)
	first.Progress(40, 1000, 6)

	if err := env.svc.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	<-first.Stopped()

	rec, _ := env.idx.Get(id)
	if rec.Status != model.StatusPaused || rec.Progress != 40 {
		t.Errorf("неверное состояние паузы: %+v", rec)
	}
	if rec.TransferRate != 0 || rec.ETASeconds != 0 {
		t.Errorf("скорость и ETA на паузе должны быть 0: %+v", rec)
	}

	// Запоздавшее событие прежней передачи игнорируется
	first.Progress(60, 2000, 1)
	rec, _ = env.idx.Get(id)
	if rec.Progress != 40 || rec.Status != model.StatusPaused {
		t.Errorf("запоздавшее событие изменило запись: %+v", rec)
	}

	// Пауза завершает участие в волне
	result := waitPass(t, pass)
	if result.Paused != 1 {
		t.Errorf("ожидался 1 paused в итоге прохода: %+v", result)
	}

	if err := env.svc.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	second := env.next(t)
	if second.Req.StartPercent != 40 {
		t.Errorf("resume должен начинаться с 40, получено %d", second.Req.StartPercent)
	}

	// Повторный resume — no-op без нового запуска
	if err := env.svc.Resume(id); !errors.Is(err, transfer.ErrNoOpIntent) {
		t.Errorf("ожидался ErrNoOpIntent, получено %v", err)
	}
	env.expectNoStart(t)

	// Событие прежней передачи после resume тоже игнорируется
	first.Progress(90, 1, 1)
	second.Progress(55, 500, 3)
	rec, _ = env.idx.Get(id)
	if rec.Progress != 55 || rec.Attempts != 2 {
		t.Errorf("неверная запись после resume: %+v", rec)
	}

	second.Succeed()
	rec = env.waitStatus(t, id, model.StatusCompleted)
	if rec.Progress != 100 {
		t.Errorf("completed должен иметь 100, получено %d", rec.Progress)
	}
}

// TestPause_NextWaveStarts проверяет, что пауза в первой волне
// освобождает слот и вторая волна запускается.
func TestPause_NextWaveStarts(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(2))
	ids := env.addText(t, "1.txt", "2.txt", "3.txt")

	pass := env.uploadAsync()
	wave1 := map[string]*executortest.Transfer{}
	for range 2 {
		tr := env.next(t)
		wave1[tr.Req.Name] = tr
	}
	if wave1["1.txt"] == nil || wave1["2.txt"] == nil {
		t.Fatalf("первая волна должна содержать 1.txt и 2.txt: %v", wave1)
	}
	env.expectNoStart(t)

	wave1["1.txt"].Progress(30, 100, 1)
	if err := env.svc.Pause(ids[0]); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	<-wave1["1.txt"].Stopped()
	wave1["2.txt"].Succeed()

	third := env.next(t)
	if third.Req.Name != "3.txt" {
		t.Fatalf("вторая волна: ожидался 3.txt, получен %s", third.Req.Name)
	}
	if rec, _ := env.idx.Get(ids[0]); rec.Status != model.StatusPaused || rec.Progress != 30 {
		t.Errorf("1.txt должен оставаться на паузе с 30%%: %+v", rec)
	}
	third.Succeed()

	result := waitPass(t, pass)
	if result.Waves != 2 || result.Paused != 1 || result.Completed != 2 {
		t.Errorf("неожиданный итог прохода: %+v", result)
	}
}

// TestPause_NoOp проверяет паузу в неподходящих статусах.
func TestPause_NoOp(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))
	ids := env.addText(t, "a.txt")

	if err := env.svc.Pause(ids[0]); !errors.Is(err, transfer.ErrNoOpIntent) {
		t.Errorf("пауза pending: ожидался ErrNoOpIntent, получено %v", err)
	}
	if err := env.svc.Pause("missing"); !errors.Is(err, transfer.ErrNotFound) {
		t.Errorf("ожидался ErrNotFound, получено %v", err)
	}
	if err := env.svc.Resume(ids[0]); !errors.Is(err, transfer.ErrNoOpIntent) {
		t.Errorf("resume pending: ожидался ErrNoOpIntent, получено %v", err)
	}
}

// TestFailureKeepsProgress — ошибка на 95% сохраняет 95 и причину.
func TestFailureKeepsProgress(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))
	id := env.addText(t, "a.txt")[0]

	pass := env.uploadAsync()
	tr := env.next(t)
	tr.Progress(95, 100, 1)
	tr.Fail("upload failed due to network error")

	result := waitPass(t, pass)
	if result.Failed != 1 {
		t.Errorf("ожидалась 1 ошибка: %+v", result)
	}

	rec := env.waitStatus(t, id, model.StatusError)
	if rec.Progress != 95 {
		t.Errorf("progress должен остаться 95, получено %d", rec.Progress)
	}
	if rec.LastError != "upload failed due to network error" {
		t.Errorf("неверная причина: %q", rec.LastError)
	}
	if rec.TransferRate != 0 || rec.ETASeconds != 0 {
		t.Errorf("скорость и ETA должны быть 0: %+v", rec)
	}

	// Повтор — только новым проходом, ошибка не возвращается в pending
	if _, err := env.svc.UploadAll(context.Background()); !errors.Is(err, ErrNothingToUpload) {
		t.Errorf("ожидался ErrNothingToUpload, получено %v", err)
	}
}

// TestCancel проверяет отмену активной передачи.
func TestCancel(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))
	id := env.addText(t, "a.txt")[0]

	pass := env.uploadAsync()
	tr := env.next(t)
	tr.Progress(30, 100, 7)

	if err := env.svc.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-tr.Stopped()

	rec, _ := env.idx.Get(id)
	if rec.Status != model.StatusCancelled {
		t.Errorf("ожидался cancelled, получено %s", rec.Status)
	}
	if rec.TransferRate != 0 || rec.ETASeconds != 0 {
		t.Errorf("скорость и ETA должны быть 0: %+v", rec)
	}
	if rec.LastError != model.CancelledByUser {
		t.Errorf("неверная причина: %q", rec.LastError)
	}

	// Запоздавший успех не меняет cancelled
	tr.Succeed()
	result := waitPass(t, pass)
	if result.Cancelled != 1 {
		t.Errorf("ожидалась 1 отмена: %+v", result)
	}
	rec, _ = env.idx.Get(id)
	if rec.Status != model.StatusCancelled {
		t.Errorf("запоздавший успех изменил статус: %s", rec.Status)
	}

	if err := env.svc.Cancel(id); !errors.Is(err, transfer.ErrNoOpIntent) {
		t.Errorf("повторная отмена: ожидался ErrNoOpIntent, получено %v", err)
	}
}

// TestCancel_Paused проверяет отмену приостановленной передачи.
func TestCancel_Paused(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))
	id := env.addText(t, "a.txt")[0]

	pass := env.uploadAsync()
	tr := env.next(t)
	tr.Progress(20, 10, 8)
	_ = env.svc.Pause(id)
	waitPass(t, pass)

	if err := env.svc.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rec, _ := env.idx.Get(id)
	if rec.Status != model.StatusCancelled || rec.Progress != 20 {
		t.Errorf("неверное состояние: %+v", rec)
	}
	if err := env.svc.Resume(id); !errors.Is(err, transfer.ErrNoOpIntent) {
		t.Errorf("resume cancelled: ожидался ErrNoOpIntent, получено %v", err)
	}
}

// TestRemoveFile проверяет удаление и его идемпотентность.
func TestRemoveFile(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))
	ids := env.addText(t, "a.txt", "b.txt")

	pass := env.uploadAsync()
	tr := env.next(t)

	// Активную передачу удалить нельзя
	if err := env.svc.RemoveFile(ids[0]); !errors.Is(err, transfer.ErrNoOpIntent) {
		t.Errorf("удаление uploading: ожидался ErrNoOpIntent, получено %v", err)
	}

	// pending файл следующей волны удаляется и пропускается
	if err := env.svc.RemoveFile(ids[1]); err != nil {
		t.Fatalf("RemoveFile(pending): %v", err)
	}

	tr.Succeed()
	result := waitPass(t, pass)
	if result.Completed != 1 || result.Skipped != 1 {
		t.Errorf("неверный итог: %+v", result)
	}
	env.expectNoStart(t)

	if err := env.svc.RemoveFile(ids[0]); err != nil {
		t.Fatalf("RemoveFile(completed): %v", err)
	}
	if err := env.svc.RemoveFile(ids[0]); !errors.Is(err, transfer.ErrNotFound) {
		t.Errorf("повторное удаление: ожидался ErrNotFound, получено %v", err)
	}
	if len(env.svc.Snapshot().Files) != 0 {
		t.Errorf("очередь должна быть пуста")
	}
}

// TestClearAll проверяет остановку передач и очистку очереди.
func TestClearAll(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(2))
	env.addText(t, "a.txt", "b.txt", "c.txt")

	pass := env.uploadAsync()
	a := env.next(t)
	b := env.next(t)

	if n := env.svc.ClearAll(); n != 3 {
		t.Errorf("ожидалось 3 удалённых, получено %d", n)
	}
	<-a.Stopped()
	<-b.Stopped()

	result := waitPass(t, pass)
	// c.txt удалён до своей волны
	if result.Skipped < 1 {
		t.Errorf("ожидался пропуск удалённого файла: %+v", result)
	}
	env.expectNoStart(t)

	if snap := env.svc.Snapshot(); len(snap.Files) != 0 || snap.Summary.Total != 0 {
		t.Errorf("очередь должна быть пуста: %+v", snap.Summary)
	}
}

// TestSubscribe_ReceivesUpdates проверяет рассылку снимков через фасад.
func TestSubscribe_ReceivesUpdates(t *testing.T) {
	env := newTestEnv(t, defaultPolicy(1))
	ch, unsubscribe := env.svc.Subscribe()
	defer unsubscribe()
	<-ch

	env.addText(t, "a.txt")

	select {
	case snap := <-ch:
		if snap.Summary.Total != 1 {
			t.Errorf("ожидался 1 файл в снимке, получено %d", snap.Summary.Total)
		}
	case <-time.After(waitTimeout):
		t.Fatal("снимок не получен")
	}
}
