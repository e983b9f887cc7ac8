package localize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/gowdl/internal/config"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocalizer(s Stager, attempts int) *Localizer {
	return New(s, Options{Concurrency: 4, Attempts: attempts, RetryDelay: time.Millisecond}, testLogger())
}

func httpComposite() *Composite {
	h := NewHTTPStager(HTTPStagerConfig{Timeout: 5 * time.Second}, nil)
	return NewComposite(map[string]Stager{value.SchemeHTTP: h, value.SchemeHTTPS: h})
}

func TestHTTPStager_StageIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte("hello world"))
	}))
	defer server.Close()

	stager := NewHTTPStager(HTTPStagerConfig{DefaultHeaders: map[string]string{"Authorization": "Bearer secret"}}, nil)
	dest := filepath.Join(t.TempDir(), "sub", "file.txt")
	if err := stager.StageIn(context.Background(), value.KindFile, server.URL+"/file.txt", dest); err != nil {
		t.Fatalf("StageIn: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("content = %q", got)
	}
}

func TestHTTPStager_Credentials(t *testing.T) {
	stager := NewHTTPStager(HTTPStagerConfig{Credentials: map[string]CredentialSet{
		"*.example.org": {Type: "bearer", Token: "wild"},
		"data.host":     {Type: "basic", Username: "u", Password: "p"},
	}}, nil)
	if c := stager.lookupCredential("files.example.org:443"); c == nil || c.Token != "wild" {
		t.Errorf("wildcard lookup = %+v", c)
	}
	if c := stager.lookupCredential("data.host:8080"); c == nil || c.Username != "u" {
		t.Errorf("host lookup = %+v", c)
	}
	if c := stager.lookupCredential("other.net"); c != nil {
		t.Errorf("unexpected credential %+v", c)
	}
}

func TestLocalize_RewritesAndStagesOnce(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	}))
	defer server.Close()

	staging := t.TempDir()
	remote := server.URL + "/data/reads.fq"
	in := value.NewArray(value.FileType, []value.Value{
		value.File(remote),
		value.File(remote),
		value.File("file:///etc/hosts"),
		value.File("/tmp/local.txt"),
	})

	l := newLocalizer(httpComposite(), 1)
	out, err := l.Localize(context.Background(), in, staging)
	if err != nil {
		t.Fatalf("Localize: %v", err)
	}
	paths := value.Paths(out)
	if paths[0] != paths[1] || !strings.HasPrefix(paths[0], staging) || filepath.Base(paths[0]) != "reads.fq" {
		t.Errorf("remote paths = %v", paths[:2])
	}
	if paths[2] != "/etc/hosts" || paths[3] != "/tmp/local.txt" {
		t.Errorf("local paths = %v", paths[2:])
	}
	data, _ := os.ReadFile(paths[0])
	if string(data) != "content of /data/reads.fq" {
		t.Errorf("staged content = %q", data)
	}

	// A second call for the same location reuses the download.
	if _, err := l.Localize(context.Background(), value.File(remote), staging); err != nil {
		t.Fatal(err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
}

func TestLocalize_RetriesTransient(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	l := newLocalizer(httpComposite(), 3)
	if _, err := l.Localize(context.Background(), value.File(server.URL+"/x"), t.TempDir()); err != nil {
		t.Fatalf("Localize: %v", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestLocalize_TransientExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	l := newLocalizer(httpComposite(), 2)
	_, err := l.Localize(context.Background(), value.File(server.URL+"/x"), t.TempDir())
	if model.CodeOf(err) != model.ErrLocalization {
		t.Fatalf("error = %v, want LOCALIZATION_ERROR", err)
	}
	if !model.IsRetryable(err) {
		t.Error("5xx failure should be retryable")
	}
}

func TestLocalize_NotFoundIsFatal(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	l := newLocalizer(httpComposite(), 5)
	_, err := l.Localize(context.Background(), value.File(server.URL+"/missing"), t.TempDir())
	if model.CodeOf(err) != model.ErrLocalization {
		t.Fatalf("error = %v, want LOCALIZATION_ERROR", err)
	}
	if model.IsRetryable(err) {
		t.Error("404 must not be retryable")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

// blockingStager records the peak number of concurrent transfers.
type blockingStager struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (s *blockingStager) StageIn(ctx context.Context, kind value.Kind, location, dest string) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return nil
}

func TestLocalize_ConcurrencyBound(t *testing.T) {
	s := &blockingStager{}
	var elems []value.Value
	for i := 0; i < 20; i++ {
		elems = append(elems, value.File(fmt.Sprintf("s3://bucket/key-%d", i)))
	}
	l := New(s, Options{Concurrency: 3}, testLogger())
	if _, err := l.Localize(context.Background(), value.NewArray(value.FileType, elems), t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if s.peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", s.peak)
	}
}

func TestLocalizeAll_SharesLimitAcrossValues(t *testing.T) {
	s := &blockingStager{}
	l := New(s, Options{Concurrency: 8}, testLogger())
	out, err := l.LocalizeAll(context.Background(), map[string]value.Value{
		"a": value.File("s3://bucket/a"),
		"b": value.File("s3://bucket/b"),
		"n": value.Int(3),
	}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if s.peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", s.peak)
	}
	if a, ok := out["a"].(value.File); !ok || strings.HasPrefix(string(a), "s3://") {
		t.Errorf("a = %v, want a staged path", out["a"])
	}
	if out["n"] != value.Int(3) {
		t.Errorf("n = %v, want 3", out["n"])
	}
}

// firstBlocksStager blocks its first transfer until the caller's context is
// done; later transfers succeed.
type firstBlocksStager struct {
	calls   atomic.Int32
	started chan struct{}
}

func (s *firstBlocksStager) StageIn(ctx context.Context, kind value.Kind, location, dest string) error {
	if s.calls.Add(1) == 1 {
		close(s.started)
		<-ctx.Done()
		return ctx.Err()
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(location), 0o644)
}

func TestLocalize_CanceledTransferDoesNotFailOtherCaller(t *testing.T) {
	s := &firstBlocksStager{started: make(chan struct{})}
	l := New(s, Options{Concurrency: 2, Attempts: 3, RetryDelay: time.Millisecond}, testLogger())
	loc := value.File("http://data.example/ref.fa")

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := l.Localize(leaderCtx, loc, t.TempDir())
		leaderErr <- err
	}()
	<-s.started

	otherErr := make(chan error, 1)
	go func() {
		_, err := l.Localize(context.Background(), loc, t.TempDir())
		otherErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !model.IsCanceled(err) {
		t.Errorf("canceled caller error = %v, want CANCELED", err)
	}
	if err := <-otherErr; err != nil {
		t.Fatalf("caller with a live context failed: %v", err)
	}
	if n := s.calls.Load(); n != 2 {
		t.Errorf("transfers = %d, want 2", n)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&httpError{StatusCode: 404}, true},
		{&httpError{StatusCode: 403}, true},
		{&httpError{StatusCode: 429}, false},
		{&httpError{StatusCode: 500}, false},
		{fmt.Errorf("open: %w", os.ErrNotExist), true},
		{os.ErrPermission, true},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestS3Stager(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bucket/refs/genome.fa":
			w.Header().Set("Content-Length", "6")
			w.Write([]byte(">chr1\n"))
		default:
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
		}
	}))
	defer server.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	stager, err := S3StagerFromConfig(context.Background(), s3Config(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "genome.fa")
	if err := stager.StageIn(context.Background(), value.KindFile, "s3://bucket/refs/genome.fa", dest); err != nil {
		t.Fatalf("StageIn: %v", err)
	}
	if data, _ := os.ReadFile(dest); string(data) != ">chr1\n" {
		t.Errorf("content = %q", data)
	}

	err = stager.StageIn(context.Background(), value.KindFile, "s3://bucket/missing", filepath.Join(t.TempDir(), "x"))
	if err == nil || !IsPermanent(err) {
		t.Errorf("missing key error = %v, want permanent", err)
	}
}

func s3Config(endpoint string) config.S3Config {
	return config.S3Config{Region: "us-east-1", Endpoint: endpoint, PathStyle: true}
}
