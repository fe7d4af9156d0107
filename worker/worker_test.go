package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/build-broker/broadcast"
	"github.com/jupark12/build-broker/client"
	"github.com/jupark12/build-broker/models"
	"github.com/jupark12/build-broker/queue"
	"github.com/jupark12/build-broker/server"
	"github.com/jupark12/build-broker/storage"
)

type broker struct {
	ts    *httptest.Server
	coord *queue.Coordinator
	logs  *broadcast.LogBroadcaster
	store *storage.LocalStore
	api   *client.Client
}

func newBroker(t *testing.T) *broker {
	t.Helper()

	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	store, err := storage.NewLocalStore(storage.LocalConfig{Dir: t.TempDir(), BaseURL: ts.URL + "/artifacts"})
	require.NoError(t, err)

	b := &broker{
		ts:    ts,
		coord: queue.NewCoordinator(),
		logs:  broadcast.New(256, nil),
		store: store,
		api:   client.New(ts.URL),
	}
	srv, err := server.NewServer(server.Config{}, server.Deps{
		Coordinator: b.coord,
		Broadcaster: b.logs,
		Store:       store,
		Artifacts:   store.Handler(),
	})
	require.NoError(t, err)
	handler = srv.Handler()
	return b
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func (b *broker) submit(t *testing.T, archive []byte, mode string) string {
	t.Helper()
	id, err := b.api.Submit(context.Background(), bytes.NewReader(archive), "app.zip", client.SubmitRequest{
		BuildMode: mode,
		Email:     "dev@x.com",
	})
	require.NoError(t, err)
	return id
}

func newTestWorker(t *testing.T, b *broker, modes map[string]string) *Worker {
	t.Helper()
	w, err := NewWorker(Config{
		WorkerID:     "mac-mini-1",
		PollInterval: 10 * time.Millisecond,
		WorkDir:      t.TempDir(),
		BuildTimeout: 10 * time.Second,
		BuildModes:   modes,
	}, b.api, b.store, nil)
	require.NoError(t, err)
	return w
}

func TestRunOnce_NothingPending(t *testing.T) {
	b := newBroker(t)
	w := newTestWorker(t, b, nil)

	handled, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRunOnce_Success(t *testing.T) {
	b := newBroker(t)
	sub := b.logs.Subscribe()
	defer sub.Close()

	w := newTestWorker(t, b, map[string]string{
		"simulator": `echo "building $BUILDQ_JOB_ID" && tr a-z A-Z < src.txt > "$BUILDQ_OUTPUT_DIR/app.txt"`,
	})
	jobID := b.submit(t, zipOf(t, map[string]string{"src.txt": "hello"}), "")

	handled, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, w.Processing())

	rec, err := b.coord.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, rec.State, rec.ErrorDetail)
	assert.Equal(t, "mac-mini-1", rec.ClaimedBy)
	require.True(t, strings.HasPrefix(rec.OutputRef, b.ts.URL+"/artifacts/"))
	assert.True(t, strings.HasSuffix(rec.OutputRef, "-app.txt"))

	var out bytes.Buffer
	_, err = b.api.Download(context.Background(), rec.OutputRef, &out)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out.String())

	// The build's stdout reached log subscribers.
	var lines []string
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == broadcast.TypeLog {
				lines = append(lines, ev.Message)
			}
			continue
		default:
		}
		break
	}
	assert.Contains(t, lines, "building "+jobID)
}

func TestRunOnce_Failures(t *testing.T) {
	tests := []struct {
		name    string
		archive func(t *testing.T) []byte
		mode    string
		modes   map[string]string
		wantErr string
	}{
		{
			name:    "command exits non-zero",
			archive: func(t *testing.T) []byte { return zipOf(t, map[string]string{"a": "b"}) },
			modes:   map[string]string{"simulator": "echo oops; exit 3"},
			wantErr: "exit status 3: oops",
		},
		{
			name:    "unsupported build mode",
			archive: func(t *testing.T) []byte { return zipOf(t, map[string]string{"a": "b"}) },
			mode:    "device",
			modes:   map[string]string{"simulator": "true"},
			wantErr: `unsupported build mode "device"`,
		},
		{
			name:    "no output",
			archive: func(t *testing.T) []byte { return zipOf(t, map[string]string{"a": "b"}) },
			modes:   map[string]string{"simulator": "true"},
			wantErr: "no output file",
		},
		{
			name:    "not a zip",
			archive: func(t *testing.T) []byte { return []byte("definitely not a zip") },
			modes:   map[string]string{"simulator": "true"},
			wantErr: "unpack source archive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBroker(t)
			w := newTestWorker(t, b, tt.modes)
			jobID := b.submit(t, tt.archive(t), tt.mode)

			handled, err := w.RunOnce(context.Background())
			require.NoError(t, err)
			assert.True(t, handled)

			rec, err := b.coord.GetJob(jobID)
			require.NoError(t, err)
			assert.Equal(t, models.StateFailed, rec.State)
			assert.Contains(t, rec.ErrorDetail, tt.wantErr)
			assert.Empty(t, rec.OutputRef)
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	b := newBroker(t)
	w := newTestWorker(t, b, map[string]string{"simulator": `echo x > "$BUILDQ_OUTPUT_DIR/out"`})
	jobID := b.submit(t, zipOf(t, map[string]string{"a": "b"}), "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := b.coord.GetJob(jobID)
		return err == nil && rec.State == models.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := &Runner{Timeout: 100 * time.Millisecond}
	err := r.Run(context.Background(), "sleep 5", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunner_EnvAndLines(t *testing.T) {
	var lines []string
	r := &Runner{
		Env:    []string{"BUILDQ_JOB_ID=j-42"},
		OnLine: func(line string) { lines = append(lines, line) },
	}
	require.NoError(t, r.Run(context.Background(), `echo "one $BUILDQ_JOB_ID"; echo two >&2`, t.TempDir()))
	assert.ElementsMatch(t, []string{"one j-42", "two"}, lines)
}

func TestUnzip_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(archive, zipOf(t, map[string]string{"../escape.txt": "x"}), 0o644))

	dst := filepath.Join(dir, "out")
	err := Unzip(archive, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal path")

	_, statErr := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnzip_NestedFiles(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.zip")
	require.NoError(t, os.WriteFile(archive, zipOf(t, map[string]string{
		"App/main.swift":      "print(1)",
		"App/Info.plist":      "<plist/>",
		"App.xcodeproj/x.pbx": "{}",
	}), 0o644))

	dst := filepath.Join(dir, "out")
	require.NoError(t, Unzip(archive, dst))

	data, err := os.ReadFile(filepath.Join(dst, "App", "main.swift"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))
}

func TestFirstOutput(t *testing.T) {
	dir := t.TempDir()
	_, err := firstOutput(dir)
	assert.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "z.ipa"), []byte("z"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ipa"), []byte("a"), 0o644))

	got, err := firstOutput(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.ipa"), got)
}
