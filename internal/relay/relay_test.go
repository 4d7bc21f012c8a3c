package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "NodeController/internal/errors"
)

func TestEnqueueAssignsIncreasingSequence(t *testing.T) {
	r := New(10)
	var last uint64
	for i := 0; i < 5; i++ {
		msg, err := r.Enqueue("env-sensor", []byte("reading"))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if msg.Seq <= last {
			t.Fatalf("seq %d not increasing after %d", msg.Seq, last)
		}
		if msg.ID == "" {
			t.Fatal("message has no id")
		}
		last = msg.Seq
	}

	// Sequences are per plugin.
	msg, err := r.Enqueue("cam-snap", []byte("frame"))
	if err != nil {
		t.Fatalf("Enqueue other plugin: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("other plugin seq = %d, want 1", msg.Seq)
	}
}

// A full queue evicts its oldest message, counts the drop, and still
// accepts the new message, so a producer never stalls.
func TestOverflowDropsOldest(t *testing.T) {
	r := New(3)
	for i := 0; i < 3; i++ {
		if _, err := r.Enqueue("env-sensor", []byte{byte(i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	msg, err := r.Enqueue("env-sensor", []byte{9})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFull {
		t.Fatalf("err = %v, want QUEUE_FULL", err)
	}
	if msg.Seq != 4 {
		t.Fatalf("new message seq = %d, want 4", msg.Seq)
	}
	if got := r.Pending(); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}

	batch := r.Drain(10)
	if len(batch) != 3 || batch[0].Seq != 2 || batch[2].Seq != 4 {
		t.Fatalf("surviving seqs = %v", seqsOf(batch))
	}
	if drops := r.DropCounts()["env-sensor"]; drops != 1 {
		t.Fatalf("drop count = %d, want 1", drops)
	}
}

func TestDrainKeepsMessagesUntilAck(t *testing.T) {
	r := New(10)
	for i := 0; i < 4; i++ {
		r.Enqueue("env-sensor", []byte{byte(i)})
	}

	first := r.Drain(10)
	second := r.Drain(10)
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("drain sizes = %d, %d; want 4, 4", len(first), len(second))
	}

	r.Ack("env-sensor", 2)
	rest := r.Drain(10)
	if len(rest) != 2 || rest[0].Seq != 3 {
		t.Fatalf("after ack: seqs = %v", seqsOf(rest))
	}
	if got := r.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
}

func TestDrainOrdersPluginsStably(t *testing.T) {
	r := New(10)
	r.Enqueue("zeta", []byte("z"))
	r.Enqueue("alpha", []byte("a1"))
	r.Enqueue("alpha", []byte("a2"))

	batch := r.Drain(10)
	if len(batch) != 3 {
		t.Fatalf("len = %d", len(batch))
	}
	if batch[0].Plugin != "alpha" || batch[1].Plugin != "alpha" || batch[2].Plugin != "zeta" {
		t.Fatalf("order = %s %s %s", batch[0].Plugin, batch[1].Plugin, batch[2].Plugin)
	}
	if batch[0].Seq != 1 || batch[1].Seq != 2 {
		t.Fatalf("alpha seqs = %d, %d", batch[0].Seq, batch[1].Seq)
	}
}

func TestDrainHonorsLimit(t *testing.T) {
	r := New(100)
	for i := 0; i < 10; i++ {
		r.Enqueue("env-sensor", []byte{byte(i)})
	}
	if got := len(r.Drain(4)); got != 4 {
		t.Fatalf("Drain(4) = %d messages", got)
	}
}

func TestAckUnknownPluginIsNoop(t *testing.T) {
	r := New(10)
	r.Ack("ghost", 99)
	if r.Pending() != 0 {
		t.Fatal("pending changed")
	}
}

func TestRunDeliversAndAcks(t *testing.T) {
	r := New(10)
	transport := NewMemoryTransport(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = r.Run(ctx, transport, RunConfig{Wait: 5 * time.Millisecond}) }()

	for i := 0; i < 3; i++ {
		r.Enqueue("env-sensor", []byte{byte(i)})
	}

	for i := 0; i < 3; i++ {
		select {
		case msg := <-transport.Messages():
			if msg.Plugin != "env-sensor" || msg.Seq != uint64(i+1) {
				t.Fatalf("delivered %s/%d, want env-sensor/%d", msg.Plugin, msg.Seq, i+1)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}

	waitFor(t, func() bool { return r.Pending() == 0 })
}

// flakyTransport fails every publish until healed.
type flakyTransport struct {
	mu      sync.Mutex
	healthy bool
	sent    []Message
}

func (f *flakyTransport) Publish(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return errors.New("broker unreachable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *flakyTransport) Close() error { return nil }

func (f *flakyTransport) heal() {
	f.mu.Lock()
	f.healthy = true
	f.mu.Unlock()
}

func TestRunDegradesAfterRetryCeilingAndRecovers(t *testing.T) {
	r := New(10)
	transport := &flakyTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var transitions []bool // true = degraded, false = recovered
	onDegraded := func(err error) {
		mu.Lock()
		transitions = append(transitions, err != nil)
		mu.Unlock()
	}

	go func() {
		_ = r.Run(ctx, transport, RunConfig{
			Wait:         time.Millisecond,
			RetryBase:    time.Millisecond,
			RetryCap:     2 * time.Millisecond,
			RetryCeiling: 3,
			OnDegraded:   onDegraded,
		})
	}()

	r.Enqueue("env-sensor", []byte("stuck"))

	waitFor(t, func() bool { return r.Degraded() })
	mu.Lock()
	if len(transitions) != 1 || !transitions[0] {
		t.Fatalf("transitions = %v, want [degraded]", transitions)
	}
	mu.Unlock()

	// The message must survive the outage.
	if r.Pending() != 1 {
		t.Fatalf("Pending = %d during outage, want 1", r.Pending())
	}

	transport.heal()
	waitFor(t, func() bool { return !r.Degraded() })
	waitFor(t, func() bool { return r.Pending() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[1] {
		t.Fatalf("transitions = %v, want [degraded recovered]", transitions)
	}
}

func TestConsumeInboundFeedsController(t *testing.T) {
	r := New(10)
	transport := NewMemoryTransport(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = r.ConsumeInbound(ctx, transport) }()

	transport.Submit(InboundCommand{Plugin: "env-sensor", Action: "restart", GraceSeconds: 5})

	select {
	case cmd := <-r.Inbound():
		if cmd.Plugin != "env-sensor" || cmd.Action != "restart" || cmd.GraceSeconds != 5 {
			t.Fatalf("inbound = %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound command")
	}
}

func TestDeliverInboundNeverBlocks(t *testing.T) {
	r := New(10)
	// Saturate the feed well past its buffer; extra commands are dropped,
	// not deadlocked on.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			r.DeliverInbound(InboundCommand{Plugin: "env-sensor", Action: "stop"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DeliverInbound blocked")
	}
}

func TestRetryDelayDoublesToCap(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := retryDelay(time.Second, 30*time.Second, tc.attempt); got != tc.want {
			t.Errorf("retryDelay(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func seqsOf(msgs []Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
