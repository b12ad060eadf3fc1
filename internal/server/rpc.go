package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

const (
	// SchedulerServiceName is the fully-qualified name of the RPC service.
	SchedulerServiceName = "cloudsim.v1.SchedulerService"

	// GetReportProcedure returns the live report or a stored one by ID.
	GetReportProcedure = "/" + SchedulerServiceName + "/GetReport"
	// ListMachinesProcedure returns per-machine status of the live run.
	ListMachinesProcedure = "/" + SchedulerServiceName + "/ListMachines"
)

// GetReportRequest selects a report. An empty ID means the live run.
type GetReportRequest struct {
	ID string `json:"id,omitempty"`
}

// GetReportResponse carries one report.
type GetReportResponse struct {
	Report domain.Report `json:"report"`
	Live   bool          `json:"live"`
}

// ListMachinesRequest is empty.
type ListMachinesRequest struct{}

// ListMachinesResponse lists machines of the live run.
type ListMachinesResponse struct {
	Machines []scheduler.MachineStatus `json:"machines"`
	Pending  scheduler.PendingWork     `json:"pending"`
}

// jsonCodec lets Connect carry plain Go structs as JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Codec returns the codec clients must use to call SchedulerService.
func Codec() connect.Codec {
	return jsonCodec{}
}

// registerRPC mounts SchedulerService on the mux.
func (s *Server) registerRPC() {
	opts := []connect.HandlerOption{connect.WithCodec(jsonCodec{})}
	if s.auth != nil {
		opts = append(opts, connect.WithInterceptors(s.auth.Interceptor()))
	}

	s.mux.Handle(GetReportProcedure, connect.NewUnaryHandler(GetReportProcedure, s.getReport, opts...))
	s.mux.Handle(ListMachinesProcedure, connect.NewUnaryHandler(ListMachinesProcedure, s.listMachines, opts...))
	s.logger.Info("Registered scheduler service", zap.String("service", SchedulerServiceName))
}

func (s *Server) getReport(ctx context.Context, req *connect.Request[GetReportRequest]) (*connect.Response[GetReportResponse], error) {
	if req.Msg.ID == "" {
		snap, _, ok := s.store.Latest()
		if !ok {
			return nil, connect.NewError(connect.CodeUnavailable, errNoRun)
		}
		return connect.NewResponse(&GetReportResponse{Report: snap.Report, Live: true}), nil
	}

	if s.reports == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errNoStore)
	}
	report, err := s.reports.Get(ctx, req.Msg.ID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&GetReportResponse{Report: *report}), nil
}

func (s *Server) listMachines(_ context.Context, _ *connect.Request[ListMachinesRequest]) (*connect.Response[ListMachinesResponse], error) {
	snap, _, ok := s.store.Latest()
	if !ok {
		return nil, connect.NewError(connect.CodeUnavailable, errNoRun)
	}
	return connect.NewResponse(&ListMachinesResponse{Machines: snap.Machines, Pending: snap.Pending}), nil
}

// toConnectError maps domain errors to Connect codes.
func toConnectError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, domain.ErrInvalidArgument):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, domain.ErrPermissionDenied):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, domain.ErrUnavailable):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// httpStatus maps domain errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
