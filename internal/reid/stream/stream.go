// Package stream serves run progress events over gRPC.
//
// The service is crossview.v1.Progress with a single server-streaming
// method, Subscribe. Requests and events travel as google.protobuf.Struct
// so that clients need no generated code:
//
//	request: {"runId": "<uuid>"}
//	event:   {"runId", "stageIndex", "stageName", "fractionComplete",
//	          "state", "description", "error", "emittedAt"}
//
// The stream ends after the terminal event of the run.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/crossview/internal/monitoring"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/pipeline"
	"github.com/banshee-data/crossview/internal/timeutil"
)

const (
	serviceName     = "crossview.v1.Progress"
	subscribeMethod = "/" + serviceName + "/Subscribe"
	maxMsgSize      = 1 << 20
	clientBuffer    = 64
)

// ProgressServer is the server API for crossview.v1.Progress.
type ProgressServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// ProgressServiceDesc describes crossview.v1.Progress for grpc.Server.
var ProgressServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ProgressServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "crossview/v1/progress.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ProgressServer).Subscribe(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ProgressServer) {
	s.RegisterService(&ProgressServiceDesc, srv)
}

// NewGRPCServer returns a grpc.Server with the progress service
// registered.
func NewGRPCServer(srv ProgressServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, srv)
	return s
}

// Source resolves a run id to its event stream. *pipeline.Manager
// satisfies it.
type Source interface {
	Subscribe(runID string, obs pipeline.Observer) (*pipeline.Subscription, error)
}

// Server implements ProgressServer over a Source.
type Server struct {
	source Source
	clock  timeutil.Clock

	clients atomic.Int32
	dropped atomic.Uint64
}

// NewServer creates a Server.
func NewServer(source Source, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{source: source, clock: clock}
}

// Clients is the number of connected streams.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Dropped counts intermediate events a slow stream never received.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Subscribe streams one run's events until its terminal event, the client
// going away, or a send failure.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	runID := req.GetFields()["runId"].GetStringValue()
	if runID == "" {
		return status.Error(codes.InvalidArgument, "runId is required")
	}
	ctx := stream.Context()

	events := make(chan pipeline.Event, clientBuffer)
	sub, err := s.source.Subscribe(runID, pipeline.RelayTo(ctx, events, func(pipeline.Event) {
		s.dropped.Add(1)
	}))
	if errors.Is(err, reid.ErrRunNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer sub.Unsubscribe()

	n := s.clients.Add(1)
	defer s.clients.Add(-1)
	monitoring.Logf("[Progress] Client subscribed to run %s (total: %d)", runID, n)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[Progress] Client left run %s: %v", runID, ctx.Err())
			return status.FromContextError(ctx.Err()).Err()
		case ev := <-events:
			msg, err := EventToStruct(runID, ev, s.clock.Now())
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		}
	}
}

// EventToStruct encodes ev for the wire.
func EventToStruct(runID string, ev pipeline.Event, emittedAt time.Time) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"runId":            runID,
		"stageIndex":       float64(ev.StageIndex),
		"stageName":        ev.StageName,
		"fractionComplete": ev.FractionComplete,
		"state":            ev.State.String(),
		"emittedAt":        emittedAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.Description != "" {
		fields["description"] = ev.Description
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}
	return structpb.NewStruct(fields)
}

// EventFromStruct decodes a wire event.
func EventFromStruct(msg *structpb.Struct) (pipeline.Event, time.Time, error) {
	f := msg.GetFields()
	state, err := pipeline.ParseStage(f["state"].GetStringValue())
	if err != nil {
		return pipeline.Event{}, time.Time{}, fmt.Errorf("decode event: %w", err)
	}
	var emitted time.Time
	if s := f["emittedAt"].GetStringValue(); s != "" {
		if emitted, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return pipeline.Event{}, time.Time{}, fmt.Errorf("decode emittedAt: %w", err)
		}
	}
	return pipeline.Event{
		StageIndex:       int(f["stageIndex"].GetNumberValue()),
		StageName:        f["stageName"].GetStringValue(),
		FractionComplete: f["fractionComplete"].GetNumberValue(),
		State:            state,
		Description:      f["description"].GetStringValue(),
		Error:            f["error"].GetStringValue(),
	}, emitted, nil
}

// Client is a thin client for crossview.v1.Progress.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Subscribe opens the event stream of runID.
func (c *Client) Subscribe(ctx context.Context, runID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	st, err := c.cc.NewStream(ctx, &ProgressServiceDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: st}
	req, err := structpb.NewStruct(map[string]interface{}{"runId": runID})
	if err != nil {
		return nil, err
	}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
