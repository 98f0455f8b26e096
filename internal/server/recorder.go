package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"

	"labrecorder/internal/puller"
	"labrecorder/internal/recorder"
	"labrecorder/internal/sink"
	"labrecorder/internal/source"
)

// RecorderService implements the management procedures on a Recorder.
type RecorderService struct {
	rec *recorder.Recorder
}

// NewRecorderService creates a RecorderService.
func NewRecorderService(rec *recorder.Recorder) *RecorderService {
	return &RecorderService{rec: rec}
}

// SetWriter configures the recorder's single writer.
func (s *RecorderService) SetWriter(
	ctx context.Context,
	req *connect.Request[SetWriterRequest],
) (*connect.Response[SetWriterResponse], error) {
	cfg := sink.Config{Kind: sink.Kind(req.Msg.Kind), Params: req.Msg.Params}
	if err := s.rec.SetWriter(ctx, cfg); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&SetWriterResponse{Sink: cfg.String()}), nil
}

// Attach starts polling a source.
func (s *RecorderService) Attach(
	ctx context.Context,
	req *connect.Request[AttachRequest],
) (*connect.Response[AttachResponse], error) {
	ar, err := ParseAttachRequest(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := s.rec.Attach(ctx, ar); err != nil {
		return nil, connectError(err)
	}

	resp := &AttachResponse{Source: ar.Source.String()}
	for _, info := range s.rec.Sources() {
		if info.ID == ar.Source {
			resp.Instance = info.Instance.String()
		}
	}
	return connect.NewResponse(resp), nil
}

// Detach stops polling a source. It returns once the source is removed.
func (s *RecorderService) Detach(
	ctx context.Context,
	req *connect.Request[DetachRequest],
) (*connect.Response[DetachResponse], error) {
	id, err := source.ParseID(req.Msg.Source)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := s.rec.Detach(ctx, id); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&DetachResponse{}), nil
}

// ListSources lists attached sources with their counters.
func (s *RecorderService) ListSources(
	ctx context.Context,
	req *connect.Request[ListSourcesRequest],
) (*connect.Response[ListSourcesResponse], error) {
	infos := s.rec.Sources()
	resp := &ListSourcesResponse{Sources: make([]SourceInfo, 0, len(infos))}
	for _, info := range infos {
		resp.Sources = append(resp.Sources, sourceInfo(info))
	}
	return connect.NewResponse(resp), nil
}

// WriterStatus reports the writer and queue.
func (s *RecorderService) WriterStatus(
	ctx context.Context,
	req *connect.Request[WriterStatusRequest],
) (*connect.Response[WriterStatusResponse], error) {
	resp := &WriterStatusResponse{
		QueueDepth: s.rec.QueueDepth(),
		Sources:    len(s.rec.IDs()),
		Abandoned:  s.rec.Abandoned(),
		PerSecond:  s.rec.Throughput().PerSecond,
		Recorder:   s.rec.Name(),
	}
	if st, ok := s.rec.WriterStatus(); ok {
		resp.Configured = true
		resp.State = st.State.String()
		resp.Sink = string(st.Sink)
		resp.Instance = st.Instance.String()
		resp.Processed = st.Processed
		resp.Failed = st.Failed
		resp.StartedAt = st.StartedAt
	}
	return connect.NewResponse(resp), nil
}

// ParseAttachRequest converts the wire form into a recorder request.
func ParseAttachRequest(m *AttachRequest) (recorder.AttachRequest, error) {
	id, err := source.ParseID(m.Source)
	if err != nil {
		return recorder.AttachRequest{}, err
	}
	interval, err := time.ParseDuration(m.Interval)
	if err != nil {
		return recorder.AttachRequest{}, fmt.Errorf("%w: interval: %v", puller.ErrInvalidConfig, err)
	}
	return recorder.AttachRequest{
		Source:      id,
		Interval:    interval,
		Measurement: m.Measurement,
		Tags:        m.Tags,
		Fields:      m.Fields,
	}, nil
}

func sourceInfo(info recorder.SourceInfo) SourceInfo {
	return SourceInfo{
		Source:              info.ID.String(),
		Instance:            info.Instance.String(),
		State:               info.State.String(),
		Interval:            info.Config.Interval.String(),
		Measurement:         info.Config.Measurement,
		Tags:                info.Config.Tags,
		Fields:              info.Config.Fields,
		AttachedAt:          info.AttachedAt,
		Polls:               info.Stats.Polls,
		Points:              info.Stats.Points,
		FetchFailures:       info.Stats.FetchFailures,
		EmptyResults:        info.Stats.EmptyResults,
		ConsecutiveFailures: info.Stats.ConsecutiveFailures,
		LastError:           info.Stats.LastError,
		LastPoll:            info.Stats.LastPoll,
	}
}

// connectError maps recorder and sink errors to Connect codes.
func connectError(err error) error {
	code := connect.CodeInternal
	switch {
	case errors.Is(err, puller.ErrInvalidConfig),
		errors.Is(err, source.ErrInvalidID),
		errors.Is(err, sink.ErrInvalidParams),
		errors.Is(err, sink.ErrUnknownKind):
		code = connect.CodeInvalidArgument
	case errors.Is(err, sink.ErrValidation):
		code = connect.CodeUnavailable
	case errors.Is(err, recorder.ErrDuplicateSource):
		code = connect.CodeAlreadyExists
	case errors.Is(err, recorder.ErrUnknownSource):
		code = connect.CodeNotFound
	case errors.Is(err, recorder.ErrWriterAlreadySet):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, recorder.ErrClosed):
		code = connect.CodeUnavailable
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	}
	return connect.NewError(code, err)
}
