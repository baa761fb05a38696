package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamClient struct {
	mu       sync.Mutex
	messages map[string][]StreamMessage
	acked    map[string]bool
	nextID   int
	failXAdd bool
}

func newFakeStreamClient() *fakeStreamClient {
	return &fakeStreamClient{
		messages: make(map[string][]StreamMessage),
		acked:    make(map[string]bool),
	}
}

func (f *fakeStreamClient) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failXAdd {
		return "", assertErr
	}
	f.nextID++
	id := itoa(f.nextID)
	f.messages[stream] = append(f.messages[stream], StreamMessage{ID: id, Values: values})
	return id, nil
}

func (f *fakeStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group string) error {
	return nil
}

func (f *fakeStreamClient) XReadGroup(ctx context.Context, group, consumer, stream string, block time.Duration, count int64) ([]StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StreamMessage
	for _, m := range f.messages[stream] {
		if !f.acked[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStreamClient) XAck(ctx context.Context, stream, group, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[id] = true
	return nil
}

// injectResponse simulates a remote responder appending to a response
// stream directly (bypassing XAdd's ID bookkeeping conventions).
func (f *fakeStreamClient) injectResponse(stream string, values map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.messages[stream] = append(f.messages[stream], StreamMessage{ID: itoa(f.nextID), Values: values})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

var assertErr = simpleErr("boom")

func TestDegradedClientPublishNeverErrors(t *testing.T) {
	c := New(nil)
	assert.True(t, c.Degraded())
	id, err := c.Publish(context.Background(), StreamRequestMirror, map[string]interface{}{"artifactId": "a1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDegradedClientAwaitResponseTimesOutImmediately(t *testing.T) {
	c := New(nil)
	start := time.Now()
	_, timedOut, err := c.AwaitResponse(context.Background(), KindMirror, StreamRequestMirror, "a1", nil, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitResponseCompletesOnMatchingMessage(t *testing.T) {
	fake := newFakeStreamClient()
	c := New(fake)
	require.NoError(t, c.EnsureGroup(context.Background(), StreamResponseMirror, "dispatchers"))
	c.ConsumeResponses(context.Background(), KindMirror, StreamResponseMirror, "dispatchers", "worker-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		fake.injectResponse(StreamResponseMirror, map[string]interface{}{"artifactId": "art-42", "isAuthentic": "true"})
	}()

	payload, timedOut, err := c.AwaitResponse(context.Background(), KindMirror, StreamRequestMirror, "art-42", map[string]interface{}{"artifactId": "art-42"}, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, "true", payload["isAuthentic"])
}

func TestAwaitResponseTimesOutWhenNoResponseArrives(t *testing.T) {
	fake := newFakeStreamClient()
	c := New(fake)
	c.ConsumeResponses(context.Background(), KindMirror, StreamResponseMirror, "dispatchers", "worker-1")

	_, timedOut, err := c.AwaitResponse(context.Background(), KindMirror, StreamRequestMirror, "art-nope", nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, timedOut)
}

func TestPublishFailureEntersDegradedMode(t *testing.T) {
	fake := newFakeStreamClient()
	fake.failXAdd = true
	c := New(fake)
	require.False(t, c.Degraded())

	id, err := c.Publish(context.Background(), StreamRequestMirror, map[string]interface{}{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, c.Degraded())
}
