package grpc_control

import (
	"context"
	"encoding/json"

	"smartgrid-relay/src/fanout"
	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// LatestReader is the read side of the latest-state cache.
type LatestReader interface {
	Get(key string) (models.Envelope, bool)
}

// StatusReader reports per-source watcher state.
type StatusReader interface {
	States() []models.MSource
}

// ControlService implements ControlServer
type ControlService struct {
	Logger *logger.Logger

	latest       LatestReader
	status       StatusReader
	commander    interfaces.IModeCommander
	hub          *fanout.Hub
	viewerBuffer int
}

// NewControlService creates a new instance of ControlService
func NewControlService(
	latest LatestReader,
	status StatusReader,
	commander interfaces.IModeCommander,
	hub *fanout.Hub,
	viewerBuffer int,
	log *logger.Logger,
) *ControlService {
	if log == nil {
		log = logger.NewLogger(nil, "ControlService")
	}
	return &ControlService{
		Logger:       log,
		latest:       latest,
		status:       status,
		commander:    commander,
		hub:          hub,
		viewerBuffer: viewerBuffer,
	}
}

// -----------------------------------------------------------------------------

// GetLatest returns the cached envelope for a stream key (source or
// device_message/<picoName>).
func (s *ControlService) GetLatest(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	key := req.GetValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "stream is required")
	}
	env, ok := s.latest.Get(key)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no data for %s", key)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode envelope: %v", err)
	}
	return toStruct(payload)
}

// -----------------------------------------------------------------------------

func (s *ControlService) SetMode(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.commander.SetMode(ctx, req.GetValue()); err != nil {
		if helpers.IsInvalidCommand(err) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.Logger.Error("gRPC: SetMode failed: %v", err)
		return nil, status.Errorf(codes.Unavailable, "upstream write failed: %v", err)
	}
	s.Logger.Info("gRPC: SetMode %s accepted", req.GetValue())
	return &emptypb.Empty{}, nil
}

// -----------------------------------------------------------------------------

func (s *ControlService) ListSources(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	sources := []models.MSource{}
	if s.status != nil {
		sources = s.status.States()
	}
	payload, err := json.Marshal(map[string]interface{}{
		"sources":       sources,
		"allowed_modes": s.commander.AllowedModes(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode sources: %v", err)
	}
	return toStruct(payload)
}

// -----------------------------------------------------------------------------

// Watch attaches the caller as a hub viewer until it disconnects or the hub
// drops it.
func (s *ControlService) Watch(req *emptypb.Empty, stream Control_WatchServer) error {
	viewer := fanout.NewViewer(s.viewerBuffer)
	s.hub.Register(viewer)
	defer s.hub.Unregister(viewer)
	s.Logger.Debug("gRPC: viewer %s watching", viewer.ID)

	messages := viewer.Messages()
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return status.Error(codes.Unavailable, "viewer closed by relay")
			}
			msg, err := toStruct(message)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// -----------------------------------------------------------------------------

func toStruct(payload []byte) (*structpb.Struct, error) {
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, status.Errorf(codes.Internal, "decode envelope: %v", err)
	}
	return out, nil
}
