package server

import (
	"context"

	"google.golang.org/grpc"

	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/events"
	"github.com/nupi-ai/plugin-stt-whisper-transcribe/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "whisper.v1.Transcription"

// TranscribeRequest carries a WAV recording.
type TranscribeRequest struct {
	Audio []byte `json:"audio"`
	// Model and Language default to the server configuration. Language may be
	// "client" to read it from Metadata.
	Model         string            `json:"model,omitempty"`
	Language      string            `json:"language,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ForceDownload bool              `json:"force_download,omitempty"`
	SingleSegment bool              `json:"single_segment,omitempty"`
}

type DownloadModelRequest struct {
	Model       string `json:"model"`
	IgnoreCache bool   `json:"ignore_cache,omitempty"`
}

type ListModelsRequest struct{}

type ListModelsResponse struct {
	Backend string              `json:"backend"`
	Models  []service.ModelInfo `json:"models"`
}

type ListLanguagesRequest struct{}

type LanguageInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type ListLanguagesResponse struct {
	Languages []LanguageInfo `json:"languages"`
}

type CheckLanguageRequest struct {
	Code string `json:"code"`
}

type CheckLanguageResponse struct {
	Supported bool          `json:"supported"`
	Language  *LanguageInfo `json:"language,omitempty"`
}

// TranscriptionServer is the server API of the Transcription service.
type TranscriptionServer interface {
	Transcribe(*TranscribeRequest, EventStream) error
	DownloadModel(*DownloadModelRequest, EventStream) error
	ListModels(context.Context, *ListModelsRequest) (*ListModelsResponse, error)
	ListLanguages(context.Context, *ListLanguagesRequest) (*ListLanguagesResponse, error)
	CheckLanguage(context.Context, *CheckLanguageRequest) (*CheckLanguageResponse, error)
}

// EventStream is the server side of a streaming call.
type EventStream interface {
	Send(*events.Event) error
	grpc.ServerStream
}

type eventServerStream struct {
	grpc.ServerStream
}

func (s *eventServerStream) Send(ev *events.Event) error {
	return s.SendMsg(ev)
}

// ServiceDesc describes the Transcription service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TranscriptionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListModels", Handler: listModelsHandler},
		{MethodName: "ListLanguages", Handler: listLanguagesHandler},
		{MethodName: "CheckLanguage", Handler: checkLanguageHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Transcribe", Handler: transcribeHandler, ServerStreams: true},
		{StreamName: "DownloadModel", Handler: downloadModelHandler, ServerStreams: true},
	},
	Metadata: "whisper/v1/transcription",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv TranscriptionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(TranscriptionServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TranscriptionServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TranscriptionServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	listModelsHandler = unary("ListModels", func(s TranscriptionServer, ctx context.Context, in *ListModelsRequest) (*ListModelsResponse, error) {
		return s.ListModels(ctx, in)
	})
	listLanguagesHandler = unary("ListLanguages", func(s TranscriptionServer, ctx context.Context, in *ListLanguagesRequest) (*ListLanguagesResponse, error) {
		return s.ListLanguages(ctx, in)
	})
	checkLanguageHandler = unary("CheckLanguage", func(s TranscriptionServer, ctx context.Context, in *CheckLanguageRequest) (*CheckLanguageResponse, error) {
		return s.CheckLanguage(ctx, in)
	})
)

func transcribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(TranscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TranscriptionServer).Transcribe(in, &eventServerStream{stream})
}

func downloadModelHandler(srv any, stream grpc.ServerStream) error {
	in := new(DownloadModelRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TranscriptionServer).DownloadModel(in, &eventServerStream{stream})
}

// Client calls the Transcription service with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *Client) ListModels(ctx context.Context, in *ListModelsRequest, opts ...grpc.CallOption) (*ListModelsResponse, error) {
	out := new(ListModelsResponse)
	if err := c.cc.Invoke(ctx, fullMethod("ListModels"), in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListLanguages(ctx context.Context, in *ListLanguagesRequest, opts ...grpc.CallOption) (*ListLanguagesResponse, error) {
	out := new(ListLanguagesResponse)
	if err := c.cc.Invoke(ctx, fullMethod("ListLanguages"), in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CheckLanguage(ctx context.Context, in *CheckLanguageRequest, opts ...grpc.CallOption) (*CheckLanguageResponse, error) {
	out := new(CheckLanguageResponse)
	if err := c.cc.Invoke(ctx, fullMethod("CheckLanguage"), in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventReceiver is the client side of a streaming call.
type EventReceiver interface {
	Recv() (events.Event, error)
	grpc.ClientStream
}

type eventClientStream struct {
	grpc.ClientStream
}

func (s *eventClientStream) Recv() (events.Event, error) {
	var ev events.Event
	if err := s.RecvMsg(&ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

func (c *Client) stream(ctx context.Context, desc *grpc.StreamDesc, in any, opts []grpc.CallOption) (EventReceiver, error) {
	stream, err := c.cc.NewStream(ctx, desc, fullMethod(desc.StreamName), callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &eventClientStream{stream}, nil
}

func (c *Client) Transcribe(ctx context.Context, in *TranscribeRequest, opts ...grpc.CallOption) (EventReceiver, error) {
	return c.stream(ctx, &ServiceDesc.Streams[0], in, opts)
}

func (c *Client) DownloadModel(ctx context.Context, in *DownloadModelRequest, opts ...grpc.CallOption) (EventReceiver, error) {
	return c.stream(ctx, &ServiceDesc.Streams[1], in, opts)
}
