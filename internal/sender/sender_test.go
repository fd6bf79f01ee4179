package sender

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deribit/ws-core/internal/ratelimit"
	"github.com/deribit/ws-core/internal/spsc"
)

type recordingTransport struct {
	mu  sync.Mutex
	out []string
}

func (r *recordingTransport) Connect() error { return nil }
func (r *recordingTransport) ReadText() string { return "" }
func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) SendText(msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, msg)
	return nil
}

func (r *recordingTransport) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.out))
	copy(out, r.out)
	return out
}

type staticTokenProvider string

func (s staticTokenProvider) CurrentToken() string { return string(s) }

func waitForCount(t *testing.T, tr *recordingTransport, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := tr.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames, got %v", n, tr.sent())
	return nil
}

func TestSenderForwardsPublicFrameUnmodified(t *testing.T) {
	tr := &recordingTransport{}
	q := spsc.New[string](8)
	bucket := ratelimit.NewDefault()
	w := New(tr, q, bucket, staticTokenProvider(""), zerolog.Nop())

	q.Push(`{"jsonrpc":"2.0","id":1,"method":"public/subscribe","params":{"channels":["a"]}}`)

	w.Start()
	got := waitForCount(t, tr, 1)
	w.Stop()

	if got[0] != `{"jsonrpc":"2.0","id":1,"method":"public/subscribe","params":{"channels":["a"]}}` {
		t.Fatalf("public frame was modified: %s", got[0])
	}
}

func TestSenderInjectsAccessTokenIntoPrivateFrame(t *testing.T) {
	tr := &recordingTransport{}
	q := spsc.New[string](8)
	bucket := ratelimit.NewDefault()
	w := New(tr, q, bucket, staticTokenProvider("tok-123"), zerolog.Nop())

	q.Push(`{"jsonrpc":"2.0","id":2,"method":"private/buy","params":{"amount":10}}`)

	w.Start()
	got := waitForCount(t, tr, 1)
	w.Stop()

	want := `{"jsonrpc":"2.0","id":2,"method":"private/buy","params":{"amount":10,"access_token":"tok-123"}}`
	if got[0] != want {
		t.Fatalf("got  %s\nwant %s", got[0], want)
	}
}

func TestInjectAccessTokenHandlesEmptyParams(t *testing.T) {
	frame := `{"jsonrpc":"2.0","id":3,"method":"private/logout","params":{}}`
	got := injectAccessToken(frame, "tok")
	want := `{"jsonrpc":"2.0","id":3,"method":"private/logout","params":{"access_token":"tok"}}`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
}

func TestSenderStopJoinsEvenWhileSpinWaitingOnEmptyBucket(t *testing.T) {
	tr := &recordingTransport{}
	q := spsc.New[string](8)
	bucket := ratelimit.New(0, 0) // never admits
	w := New(tr, q, bucket, staticTokenProvider(""), zerolog.Nop())

	w.Start()
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return while spin-waiting on an empty bucket")
	}
}
