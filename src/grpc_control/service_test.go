package grpc_control

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"smartgrid-relay/src/fanout"
	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/pipeline"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// stubCommander accepts the modes it was built with.
type stubCommander struct {
	mu      sync.Mutex
	allowed []string
	set     []string
}

func (c *stubCommander) SetMode(_ context.Context, mode string) error {
	for _, m := range c.allowed {
		if m == mode {
			c.mu.Lock()
			c.set = append(c.set, mode)
			c.mu.Unlock()
			return nil
		}
	}
	return helpers.NewInvalidCommandError(mode, c.allowed)
}

func (c *stubCommander) AllowedModes() []string { return c.allowed }

type fixedStatus []models.MSource

func (f fixedStatus) States() []models.MSource { return f }

type harness struct {
	client    *ControlClient
	pipe      *pipeline.Pipeline
	commander *stubCommander
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewLoggerTo(io.Discard, nil, "ControlTest")
	errs := helpers.NewErrorHandler(log)

	var pipe *pipeline.Pipeline
	hub := fanout.NewHub(func() []models.Envelope { return pipe.Cache.Snapshot() }, errs, log)
	pipe = pipeline.NewPipeline(hub, nil, errs, log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	commander := &stubCommander{allowed: []string{"mppt", "normal"}}
	status := fixedStatus{
		{Name: models.SourceCombinedTicks, State: models.WatcherWatching, Active: true},
		{Name: models.SourceModeChange, State: models.WatcherError, LastErr: "cursor lost"},
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterControlServer(srv, NewControlService(pipe.Cache, status, commander, hub, 16, log))
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		cancel()
	})
	return &harness{client: NewControlClient(conn), pipe: pipe, commander: commander}
}

func (h *harness) insert(t *testing.T, source models.SourceName, doc map[string]interface{}) {
	t.Helper()
	if _, err := h.pipe.Process(context.Background(), models.RawEvent{
		Source:        source,
		OperationKind: models.OperationInsert,
		Document:      doc,
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// -----------------------------------------------------------------------------

func TestGetLatest(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := h.client.GetLatest(ctx, "combined_ticks")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("GetLatest() before data: %v, want NotFound", err)
	}

	h.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 7, "demand": 1.5})
	got, err := h.client.GetLatest(ctx, "combined_ticks")
	if err != nil {
		t.Fatalf("GetLatest(): %v", err)
	}
	fields := got.AsMap()
	if fields["tick"] != float64(7) || fields["demand"] != 1.5 {
		t.Errorf("GetLatest() = %v", fields)
	}

	if _, err := h.client.GetLatest(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Errorf("GetLatest(\"\") = %v, want InvalidArgument", err)
	}
}

func TestSetMode(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	err := h.client.SetMode(ctx, "turbo")
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("SetMode(turbo) = %v, want InvalidArgument", err)
	}
	if len(h.commander.set) != 0 {
		t.Errorf("rejected command reached the commander: %v", h.commander.set)
	}

	if err := h.client.SetMode(ctx, "mppt"); err != nil {
		t.Fatalf("SetMode(mppt) = %v", err)
	}
	if len(h.commander.set) != 1 || h.commander.set[0] != "mppt" {
		t.Errorf("commands = %v, want [mppt]", h.commander.set)
	}
}

func TestListSources(t *testing.T) {
	h := newHarness(t)
	got, err := h.client.ListSources(testContext(t))
	if err != nil {
		t.Fatalf("ListSources(): %v", err)
	}
	fields := got.AsMap()
	sources, _ := fields["sources"].([]interface{})
	if len(sources) != 2 {
		t.Fatalf("sources = %v", fields["sources"])
	}
	second, _ := sources[1].(map[string]interface{})
	if second["state"] != string(models.WatcherError) || second["lastError"] != "cursor lost" {
		t.Errorf("mode_change status = %v", second)
	}
}

func TestWatch(t *testing.T) {
	h := newHarness(t)
	h.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 1})

	stream, err := h.client.Watch(testContext(t))
	if err != nil {
		t.Fatalf("Watch(): %v", err)
	}

	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv snapshot: %v", err)
	}
	if first.AsMap()["tick"] != float64(1) {
		t.Fatalf("snapshot = %v, want tick 1", first.AsMap())
	}

	h.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 1})
	h.insert(t, models.SourceCombinedTicks, map[string]interface{}{"tick": 2})

	next, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv live: %v", err)
	}
	if next.AsMap()["tick"] != float64(2) {
		t.Errorf("live = %v, want tick 2 (tick 1 repeat suppressed)", next.AsMap())
	}
}

func TestToStructRejectsNonObject(t *testing.T) {
	_, err := toStruct([]byte(`[1,2]`))
	if err == nil {
		t.Fatal("toStruct() accepted a JSON array")
	}
	var st interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &st) || st.GRPCStatus().Code() != codes.Internal {
		t.Errorf("toStruct() error = %v, want Internal status", err)
	}
}
