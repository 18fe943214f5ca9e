package plugin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// The wire messages are structpb.Struct values, so the service needs no
// generated code:
//
//	Describe {}                                  -> {dimension, modalities[]}
//	Embed    {modality, data (base64)}           -> {vector[]}
//	EmbedBatch {inputs[{modality, data}]}        -> {outputs[{vector[] | error}]}
const serviceName = "mediamcp.Embedder"

type embedderService interface {
	Describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Embed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	EmbedBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func unary(method string, call func(embedderService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(embedderService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(embedderService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var embedderServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*embedderService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Describe", embedderService.Describe),
		unary("Embed", embedderService.Embed),
		unary("EmbedBatch", embedderService.EmbedBatch),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mediamcp/embedder",
}

// EmbedderGRPCPlugin is the implementation of plugin.GRPCPlugin so we can
// serve/consume an embed.Embedder.
type EmbedderGRPCPlugin struct {
	plugin.NetRPCUnsupportedPlugin
	Impl embed.Embedder
}

func (p *EmbedderGRPCPlugin) GRPCServer(broker *plugin.GRPCBroker, s *grpc.Server) error {
	RegisterEmbedderServer(s, p.Impl)
	return nil
}

func (p *EmbedderGRPCPlugin) GRPCClient(ctx context.Context, broker *plugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewEmbedderGRPCClient(ctx, c)
}

// RegisterEmbedderServer exposes impl on s.
func RegisterEmbedderServer(s grpc.ServiceRegistrar, impl embed.Embedder) {
	s.RegisterService(&embedderServiceDesc, &EmbedderGRPCServer{Impl: impl})
}

// EmbedderGRPCServer is the gRPC server that calls the local implementation.
type EmbedderGRPCServer struct {
	Impl embed.Embedder
}

var allModalities = []embed.Modality{embed.ModalityText, embed.ModalityImage, embed.ModalityVideo}

func (s *EmbedderGRPCServer) Describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var supported []any
	for _, m := range allModalities {
		if s.Impl.Supports(m) {
			supported = append(supported, string(m))
		}
	}
	return structpb.NewStruct(map[string]any{
		"dimension":  s.Impl.Dimension(),
		"modalities": supported,
	})
}

func (s *EmbedderGRPCServer) Embed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	input, err := decodeInput(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	vec, err := s.Impl.Embed(ctx, input.Data, input.Modality)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"vector": encodeVector(vec)})
}

func (s *EmbedderGRPCServer) EmbedBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw := in.GetFields()["inputs"].GetListValue().GetValues()
	inputs := make([]embed.Input, len(raw))
	for i, v := range raw {
		input, err := decodeInput(v.GetStructValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("input %d: %v", i, err))
		}
		inputs[i] = input
	}

	outputs := make([]any, len(inputs))
	for i, o := range embed.Batch(ctx, s.Impl, inputs) {
		if o.Err != nil {
			outputs[i] = map[string]any{"error": o.Err.Error()}
			continue
		}
		outputs[i] = map[string]any{"vector": encodeVector(o.Vector)}
	}
	return structpb.NewStruct(map[string]any{"outputs": outputs})
}

func toStatus(err error) error {
	var failure *embed.Failure
	switch {
	case errors.As(err, &failure):
		return status.Error(codes.InvalidArgument, failure.Err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// EmbedderGRPCClient is an embed.Embedder that talks over RPC.
type EmbedderGRPCClient struct {
	conn       grpc.ClientConnInterface
	dimension  int
	modalities map[embed.Modality]bool
}

// NewEmbedderGRPCClient asks the server for its dimension and modalities.
func NewEmbedderGRPCClient(ctx context.Context, conn grpc.ClientConnInterface) (*EmbedderGRPCClient, error) {
	c := &EmbedderGRPCClient{conn: conn, modalities: make(map[embed.Modality]bool)}
	out, err := c.invoke(ctx, "Describe", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("describe embedder: %w", err)
	}
	c.dimension = int(out.GetFields()["dimension"].GetNumberValue())
	if c.dimension <= 0 {
		return nil, fmt.Errorf("embedder reported dimension %d", c.dimension)
	}
	for _, v := range out.GetFields()["modalities"].GetListValue().GetValues() {
		c.modalities[embed.Modality(v.GetStringValue())] = true
	}
	return c, nil
}

func (c *EmbedderGRPCClient) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EmbedderGRPCClient) Dimension() int { return c.dimension }

func (c *EmbedderGRPCClient) Supports(m embed.Modality) bool { return c.modalities[m] }

func (c *EmbedderGRPCClient) Embed(ctx context.Context, data []byte, m embed.Modality) ([]float32, error) {
	if !c.Supports(m) {
		return nil, &embed.Failure{Modality: m, Err: embed.ErrUnsupportedModality}
	}
	out, err := c.invoke(ctx, "Embed", encodeInput(embed.Input{Data: data, Modality: m}))
	if err != nil {
		return nil, fromStatus(m, err)
	}
	return c.vector(m, out)
}

// EmbedBatch implements embed.BatchEmbedder with one round trip per batch.
func (c *EmbedderGRPCClient) EmbedBatch(ctx context.Context, inputs []embed.Input) ([]embed.Output, error) {
	list := make([]any, len(inputs))
	for i, in := range inputs {
		list[i] = encodeInput(in)
	}
	out, err := c.invoke(ctx, "EmbedBatch", map[string]any{"inputs": list})
	if err != nil {
		return nil, fromStatus("", err)
	}
	values := out.GetFields()["outputs"].GetListValue().GetValues()
	if len(values) != len(inputs) {
		return nil, fmt.Errorf("embedder returned %d outputs for %d inputs", len(values), len(inputs))
	}
	res := make([]embed.Output, len(inputs))
	for i, v := range values {
		m := inputs[i].Modality
		fields := v.GetStructValue()
		if msg := fields.GetFields()["error"].GetStringValue(); msg != "" {
			res[i].Err = &embed.Failure{Modality: m, Err: errors.New(msg)}
			continue
		}
		res[i].Vector, res[i].Err = c.vector(m, fields)
	}
	return res, nil
}

func (c *EmbedderGRPCClient) vector(m embed.Modality, out *structpb.Struct) ([]float32, error) {
	values := out.GetFields()["vector"].GetListValue().GetValues()
	if len(values) != c.dimension {
		return nil, &embed.Failure{Modality: m, Err: fmt.Errorf("expected %d dimensions, got %d", c.dimension, len(values))}
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v.GetNumberValue())
	}
	return vec, nil
}

func fromStatus(m embed.Modality, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &embed.Failure{Modality: m, Err: errors.New(st.Message())}
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	}
	return fmt.Errorf("embedder plugin: %s", st.Message())
}

func encodeInput(in embed.Input) map[string]any {
	return map[string]any{
		"modality": string(in.Modality),
		"data":     base64.StdEncoding.EncodeToString(in.Data),
	}
}

func decodeInput(s *structpb.Struct) (embed.Input, error) {
	f := s.GetFields()
	data, err := base64.StdEncoding.DecodeString(f["data"].GetStringValue())
	if err != nil {
		return embed.Input{}, fmt.Errorf("data is not base64: %w", err)
	}
	return embed.Input{Data: data, Modality: embed.Modality(f["modality"].GetStringValue())}, nil
}

func encodeVector(v []float32) []any {
	out := make([]any, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
