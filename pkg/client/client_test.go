package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/islandgate/internal/commstest"
	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/dispatcher"
	"github.com/morezero/islandgate/pkg/idempotency"
	"github.com/morezero/islandgate/pkg/protocol"
	"github.com/morezero/islandgate/pkg/security"
)

const testPrefix = "client:client_test"

func testCodec(secret string) *commsutil.Codec {
	return commsutil.NewCodec(security.NewSigner([]byte(secret), security.DefaultWindow), 128)
}

// collect subscribes to the request pattern and hands every verified
// request to the returned channel without answering it.
func collect(t *testing.T, nc *comms.Conn, codec *commsutil.Codec) <-chan *protocol.Envelope {
	t.Helper()
	out := make(chan *protocol.Envelope, 64)
	sub, err := nc.Subscribe(commsutil.RequestPattern("test"), func(msg *comms.Msg) {
		env, err := codec.Open(msg.Data)
		if err != nil {
			t.Errorf("%s - request did not verify: %v", testPrefix, err)
			return
		}
		out <- env
	})
	if err != nil {
		t.Fatalf("%s - Subscribe failed: %v", testPrefix, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	_ = nc.Flush()
	return out
}

func respond(t *testing.T, nc *comms.Conn, codec *commsutil.Codec, id string, res protocol.Result) {
	t.Helper()
	raw, err := codec.Seal(protocol.NewResponse(id, res))
	if err != nil {
		t.Fatalf("%s - Seal failed: %v", testPrefix, err)
	}
	if err := nc.Publish(commsutil.ResponseSubject("test", id), raw); err != nil {
		t.Fatalf("%s - Publish failed: %v", testPrefix, err)
	}
}

func newClient(t *testing.T, nc *comms.Conn, codec *commsutil.Codec, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(nc, codec, Options{Prefix: "test", Origin: "game-1", Timeout: timeout})
	if err != nil {
		t.Fatalf("%s - New failed: %v", testPrefix, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RequiresTransport(t *testing.T) {
	if _, err := New(nil, testCodec("s"), Options{}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("%s - New without transport = %v", testPrefix, err)
	}
}

func TestClient_CorrelatesOutOfOrderResponses(t *testing.T) {
	nc, _ := commstest.Start(t)
	codec := testCodec("secret")
	requests := collect(t, nc, codec)
	c := newClient(t, nc, codec, 5*time.Second)

	const n = 20
	calls := make([]*Call, n)
	for i := range calls {
		call, err := c.Submit(context.Background(), protocol.OpPing, fmt.Sprintf("P%d", i), func(p Payload) {
			p["seq"] = i
		})
		if err != nil {
			t.Fatalf("%s - Submit failed: %v", testPrefix, err)
		}
		calls[i] = call
	}

	received := make([]*protocol.Envelope, 0, n)
	for len(received) < n {
		select {
		case env := <-requests:
			received = append(received, env)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s - only %d requests arrived", testPrefix, len(received))
		}
	}

	// Answer in reverse arrival order, echoing each request's id.
	for i := len(received) - 1; i >= 0; i-- {
		res, _ := protocol.Success(map[string]string{"echo": received[i].ID, "actor": received[i].Actor})
		respond(t, nc, codec, received[i].ID, res)
	}

	for i, call := range calls {
		res, err := call.Wait(context.Background())
		if err != nil {
			t.Fatalf("%s - Wait failed: %v", testPrefix, err)
		}
		var got struct {
			Echo  string `json:"echo"`
			Actor string `json:"actor"`
		}
		if err := res.Decode(&got); err != nil {
			t.Fatalf("%s - Decode failed: %v", testPrefix, err)
		}
		if got.Echo != call.ID || got.Actor != fmt.Sprintf("P%d", i) {
			t.Errorf("%s - call %s resolved with %+v", testPrefix, call.ID, got)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("%s - %d calls still pending", testPrefix, c.Pending())
	}
}

func TestClient_TimeoutWithoutResponder(t *testing.T) {
	nc, _ := commstest.Start(t)
	c := newClient(t, nc, testCodec("secret"), 50*time.Millisecond)

	start := time.Now()
	res, err := c.Execute(context.Background(), protocol.OpIslandGet, "P1", nil)
	if err != nil {
		t.Fatalf("%s - Execute failed: %v", testPrefix, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("%s - timeout took %s", testPrefix, elapsed)
	}
	if res.Ok || res.Err().Code != protocol.CodeTimeout || !res.Err().Retryable {
		t.Errorf("%s - expected retryable TIMEOUT, got %+v", testPrefix, res)
	}
	if c.Pending() != 0 {
		t.Errorf("%s - timed out call still pending", testPrefix)
	}
}

func TestClient_TimeoutReportsCallerDeadline(t *testing.T) {
	nc, _ := commstest.Start(t)
	c := newClient(t, nc, testCodec("secret"), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	call, err := c.Submit(ctx, protocol.OpIslandGet, "P1", nil)
	if err != nil {
		t.Fatalf("%s - Submit failed: %v", testPrefix, err)
	}
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatalf("%s - call outlived the caller's deadline", testPrefix)
	}

	res, _ := call.Result()
	if res.Ok || res.Err().Code != protocol.CodeTimeout {
		t.Fatalf("%s - expected TIMEOUT, got %+v", testPrefix, res)
	}
	if msg := res.Err().Message; strings.Contains(msg, "5s") || !strings.HasSuffix(msg, "ms") {
		t.Errorf("%s - TIMEOUT message %q does not report the 80ms deadline", testPrefix, msg)
	}
}

func TestClient_StaleResponseDiscarded(t *testing.T) {
	nc, _ := commstest.Start(t)
	codec := testCodec("secret")
	requests := collect(t, nc, codec)
	c := newClient(t, nc, codec, 30*time.Millisecond)

	call, err := c.Submit(context.Background(), protocol.OpPing, "", nil)
	if err != nil {
		t.Fatalf("%s - Submit failed: %v", testPrefix, err)
	}
	env := <-requests
	<-call.Done()

	late, _ := protocol.Success("pong")
	respond(t, nc, codec, env.ID, late)
	_ = nc.Flush()
	time.Sleep(50 * time.Millisecond)

	res, resolved := call.Result()
	if !resolved || res.Ok || res.Err().Code != protocol.CodeTimeout {
		t.Errorf("%s - late response replaced the timeout: %+v", testPrefix, res)
	}
}

func TestClient_IgnoresForgedResponses(t *testing.T) {
	nc, _ := commstest.Start(t)
	codec := testCodec("secret")
	requests := collect(t, nc, codec)
	c := newClient(t, nc, codec, 300*time.Millisecond)

	call, err := c.Submit(context.Background(), protocol.OpPing, "", nil)
	if err != nil {
		t.Fatalf("%s - Submit failed: %v", testPrefix, err)
	}
	env := <-requests

	forged, _ := protocol.Success("forged")
	respond(t, nc, testCodec("attacker"), env.ID, forged)
	genuine, _ := protocol.Success("pong")
	respond(t, nc, codec, env.ID, genuine)

	res, _ := call.Wait(context.Background())
	var got string
	_ = res.Decode(&got)
	if got != "pong" {
		t.Errorf("%s - resolved with %q, want pong", testPrefix, got)
	}
}

func TestClient_WaitHonoursContext(t *testing.T) {
	nc, _ := commstest.Start(t)
	c := newClient(t, nc, testCodec("secret"), 5*time.Second)

	call, err := c.Submit(context.Background(), protocol.OpPing, "", nil)
	if err != nil {
		t.Fatalf("%s - Submit failed: %v", testPrefix, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("%s - Wait = %v, want deadline exceeded", testPrefix, err)
	}
	if _, resolved := call.Result(); resolved {
		t.Errorf("%s - abandoning Wait resolved the call", testPrefix)
	}
}

func TestClient_CloseResolvesPending(t *testing.T) {
	nc, _ := commstest.Start(t)
	c := newClient(t, nc, testCodec("secret"), 5*time.Second)

	call, err := c.Submit(context.Background(), protocol.OpPing, "", nil)
	if err != nil {
		t.Fatalf("%s - Submit failed: %v", testPrefix, err)
	}
	_ = c.Close()

	res, resolved := call.Result()
	if !resolved || res.Err().Code != protocol.CodeTimeout {
		t.Errorf("%s - pending call after Close: %+v (resolved %v)", testPrefix, res, resolved)
	}
	if _, err := c.Submit(context.Background(), protocol.OpPing, "", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("%s - Submit after Close = %v", testPrefix, err)
	}
}

// newRouter builds a router with a few representative handlers over a
// shared idempotency store.
func newRouter(t *testing.T, nc *comms.Conn, codec *commsutil.Codec) *dispatcher.Router {
	t.Helper()
	r := dispatcher.NewRouter(dispatcher.RouterParams{
		Prefix: "test",
		Codec:  codec,
		Conn:   nc,
		Store:  idempotency.NewMemoryStore(),
	})
	var mu sync.Mutex
	next := 0
	err := r.Register(
		dispatcher.Handler{Op: protocol.OpPing, Func: func(context.Context, dispatcher.Request) (dispatcher.Outcome, error) {
			return dispatcher.Outcome{Data: map[string]string{"pong": "ok"}}, nil
		}},
		dispatcher.Handler{
			Op:            protocol.OpInviteCreate,
			RequiresActor: true,
			Key:           dispatcher.FieldKey("target"),
			Func: func(_ context.Context, req dispatcher.Request) (dispatcher.Outcome, error) {
				mu.Lock()
				defer mu.Unlock()
				next++
				return dispatcher.Outcome{Data: map[string]any{"inviteId": fmt.Sprintf("I%d", next), "membersCount": 1, "membersLimit": 4}}, nil
			},
		},
		dispatcher.Handler{Op: protocol.OpIslandGet, RequiresActor: true, Func: func(context.Context, dispatcher.Request) (dispatcher.Outcome, error) {
			return dispatcher.Outcome{}, protocol.NewError(protocol.CodeNoIsland, "player has no island")
		}},
	)
	if err != nil {
		t.Fatalf("%s - Register failed: %v", testPrefix, err)
	}
	return r
}

func TestClient_LocalityTransparency(t *testing.T) {
	nc, _ := commstest.Start(t)
	codec := testCodec("secret")
	router := newRouter(t, nc, codec)

	sub := dispatcher.NewSubscriber(dispatcher.SubscriberParams{Conn: nc, Codec: codec, Router: router, Prefix: "test", Workers: 2})
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("%s - Start failed: %v", testPrefix, err)
	}
	t.Cleanup(func() { _ = sub.Stop(context.Background()) })
	_ = nc.Flush()

	bus := newClient(t, nc, codec, 5*time.Second)
	local, err := New(nil, codec, Options{Prefix: "test", Origin: "authority", Timeout: 5 * time.Second, Local: router})
	if err != nil {
		t.Fatalf("%s - New local failed: %v", testPrefix, err)
	}
	defer local.Close()

	tests := []struct {
		name      string
		op        protocol.Operation
		actor     string
		customize func(Payload)
	}{
		{"ping", protocol.OpPing, "", nil},
		{"idempotent create", protocol.OpInviteCreate, "P1", func(p Payload) { p["target"] = "P2" }},
		{"domain error", protocol.OpIslandGet, "P1", nil},
		{"missing actor", protocol.OpIslandGet, "", nil},
		{"missing key field", protocol.OpInviteCreate, "P1", nil},
		{"unknown operation", protocol.Operation("island.destroy"), "P1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viaBus, err := bus.Execute(context.Background(), tt.op, tt.actor, tt.customize)
			if err != nil {
				t.Fatalf("%s - bus Execute failed: %v", testPrefix, err)
			}
			inProcess, err := local.Execute(context.Background(), tt.op, tt.actor, tt.customize)
			if err != nil {
				t.Fatalf("%s - local Execute failed: %v", testPrefix, err)
			}
			if !viaBus.Equal(inProcess) {
				t.Errorf("%s - bus %+v (%s) != local %+v (%s)", testPrefix, viaBus, viaBus.Data, inProcess, inProcess.Data)
			}
		})
	}
}

func TestClient_PayloadCustomizer(t *testing.T) {
	nc, _ := commstest.Start(t)
	codec := testCodec("secret")
	requests := collect(t, nc, codec)
	c := newClient(t, nc, codec, time.Second)

	big := make([]string, 100)
	for i := range big {
		big[i] = "a-fairly-long-member-name"
	}
	_, err := c.Submit(context.Background(), protocol.OpInviteCreate, "P1", func(p Payload) {
		p["target"] = "P2"
		p["note"] = big
	})
	if err != nil {
		t.Fatalf("%s - Submit failed: %v", testPrefix, err)
	}

	env := <-requests
	if env.Op != "invite.create" || env.Actor != "P1" {
		t.Errorf("%s - unexpected request %+v", testPrefix, env)
	}
	var data struct {
		Target string   `json:"target"`
		Note   []string `json:"note"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("%s - request data undecodable: %v", testPrefix, err)
	}
	if data.Target != "P2" || len(data.Note) != 100 {
		t.Errorf("%s - customizer not applied: %+v", testPrefix, data)
	}
}
