package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/events"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/memory"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/server/middleware"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second},
		Auth:   config.AuthConfig{JWTSecret: "test-secret", Issuer: "cloudsim", TokenExpiry: time.Minute},
	}
}

func testSnapshot() scheduler.Snapshot {
	return scheduler.Snapshot{
		Report: domain.Report{RunID: "run-1", Policy: "pmapper", Arrived: 5, Completed: 3},
		Machines: []scheduler.MachineStatus{
			{MachineInfo: domain.MachineInfo{ID: 0, Arch: domain.ArchX86, State: domain.PowerActive}, Tier: "running"},
			{MachineInfo: domain.MachineInfo{ID: 1, Arch: domain.ArchARM, State: domain.PowerOff}, Tier: "switched_off"},
		},
		Pending: scheduler.PendingWork{Power: 1},
	}
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp, body
}

// ===== Tests =====

func TestHealthAndLiveReport(t *testing.T) {
	s := New(testConfig(), zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, _ := get(t, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp.StatusCode)
	}

	resp, _ = get(t, srv.URL+"/api/v1/report", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before any snapshot, got %d", resp.StatusCode)
	}

	s.Store().Update(testSnapshot())

	resp, body := get(t, srv.URL+"/api/v1/report", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Report  domain.Report         `json:"report"`
		Pending scheduler.PendingWork `json:"pending"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if out.Report.Policy != "pmapper" || out.Report.Completed != 3 || out.Pending.Power != 1 {
		t.Errorf("unexpected report %+v", out)
	}

	resp, body = get(t, srv.URL+"/api/v1/machines", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"switched_off"`) {
		t.Errorf("unexpected machines response %d: %s", resp.StatusCode, body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	s := New(cfg, zap.NewNop())
	s.Store().Update(testSnapshot())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, _ := get(t, srv.URL+"/api/v1/machines", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, _, err := middleware.NewJWTManager(cfg.Auth).Generate("tester", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	resp, _ = get(t, srv.URL+"/api/v1/machines", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	resp, _ = get(t, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected /health to stay public, got %d", resp.StatusCode)
	}

	client := connect.NewClient[ListMachinesRequest, ListMachinesResponse](
		srv.Client(), srv.URL+ListMachinesProcedure, connect.WithCodec(Codec()))
	if _, err := client.CallUnary(context.Background(), connect.NewRequest(&ListMachinesRequest{})); connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Errorf("expected unauthenticated RPC, got %v", err)
	}
	req := connect.NewRequest(&ListMachinesRequest{})
	req.Header().Set("Authorization", "Bearer "+token)
	res, err := client.CallUnary(context.Background(), req)
	if err != nil {
		t.Fatalf("ListMachines failed: %v", err)
	}
	if len(res.Msg.Machines) != 2 {
		t.Errorf("expected 2 machines, got %d", len(res.Msg.Machines))
	}
}

func TestStoredReports(t *testing.T) {
	repo := memory.NewReportRepository()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := repo.Save(ctx, &domain.Report{ID: id, Policy: "eeco"}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	s := New(testConfig(), zap.NewNop(), WithReports(repo))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, body := get(t, srv.URL+"/api/v1/reports?limit=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list struct {
		Reports []domain.Report `json:"reports"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if len(list.Reports) != 1 {
		t.Errorf("expected 1 report, got %d", len(list.Reports))
	}

	resp, _ = get(t, srv.URL+"/api/v1/reports?limit=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", resp.StatusCode)
	}
	resp, _ = get(t, srv.URL+"/api/v1/reports/b", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	resp, _ = get(t, srv.URL+"/api/v1/reports/zzz", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}

	client := connect.NewClient[GetReportRequest, GetReportResponse](
		srv.Client(), srv.URL+GetReportProcedure, connect.WithCodec(Codec()))

	_, err := client.CallUnary(ctx, connect.NewRequest(&GetReportRequest{}))
	if connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("expected unavailable without a live run, got %v", err)
	}
	res, err := client.CallUnary(ctx, connect.NewRequest(&GetReportRequest{ID: "a"}))
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if res.Msg.Live || res.Msg.Report.ID != "a" {
		t.Errorf("unexpected response %+v", res.Msg)
	}
	_, err = client.CallUnary(ctx, connect.NewRequest(&GetReportRequest{ID: "zzz"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("expected not found, got %v", err)
	}

	s.Store().Update(testSnapshot())
	res, err = client.CallUnary(ctx, connect.NewRequest(&GetReportRequest{}))
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if !res.Msg.Live || res.Msg.Report.RunID != "run-1" {
		t.Errorf("expected live report, got %+v", res.Msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "cloudsim_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := New(testConfig(), zap.NewNop(), WithGatherer(reg))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, body := get(t, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "cloudsim_test_total 1") {
		t.Errorf("unexpected metrics response %d: %s", resp.StatusCode, body)
	}
}

func TestDecisionStream(t *testing.T) {
	s := New(testConfig(), zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/decisions"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	hub := s.Decisions()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(events.Decision{Seq: 1, Kind: events.KindTaskPlaced, Task: 9, Machine: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Decision
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Seq != 1 || got.Task != 9 || got.Machine != 2 {
		t.Errorf("unexpected decision %+v", got)
	}

	hub.Close()
	if hub.Clients() != 0 {
		t.Errorf("expected no clients after Close, got %d", hub.Clients())
	}
	hub.Publish(events.Decision{Seq: 2})
}

func TestDecisionHubForward(t *testing.T) {
	hub := NewDecisionHub(zap.NewNop())
	c, ok := hub.register()
	if !ok {
		t.Fatal("register failed")
	}

	ch := make(chan events.Decision, 2)
	ch <- events.Decision{Seq: 1}
	ch <- events.Decision{Seq: 2}
	close(ch)
	hub.Forward(context.Background(), ch)

	if d := <-c.send; d.Seq != 1 {
		t.Errorf("expected seq 1, got %d", d.Seq)
	}
	if d := <-c.send; d.Seq != 2 {
		t.Errorf("expected seq 2, got %d", d.Seq)
	}

	hub.unregister(c)
	if _, open := <-c.send; open {
		t.Error("expected client channel closed")
	}
}

func TestGRPCHealth(t *testing.T) {
	s := New(testConfig(), zap.NewNop())
	lis := bufconn.Listen(1 << 20)
	go s.grpcServer.Serve(lis)
	defer s.grpcServer.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q) failed: %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected overall SERVING, got %v", got)
	}
	if got := check(SchedulerServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING before a run, got %v", got)
	}
	s.SetRunning(true)
	if got := check(SchedulerServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING during a run, got %v", got)
	}
}
