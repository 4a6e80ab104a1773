package grpcclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/icba-classifier/internal/imageprocessor"
)

const scoreMethod = "/icba.scorer.v1.Scorer/Score"

// ScorerServer is implemented by model-serving processes. The request carries
// the input tensor as little-endian float32 bytes, the response one number per class.
type ScorerServer interface {
	Score(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error)
}

// ScorerServiceDesc describes the icba.scorer.v1.Scorer service.
var ScorerServiceDesc = grpc.ServiceDesc{
	ServiceName: "icba.scorer.v1.Scorer",
	HandlerType: (*ScorerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "icba/scorer/v1/scorer.proto",
}

// RegisterScorerServer attaches srv to a gRPC server.
func RegisterScorerServer(s *grpc.Server, srv ScorerServer) {
	s.RegisterService(&ScorerServiceDesc, srv)
}

func scoreHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ScorerServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ScorerServer).Score(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// EncodeTensor packs tensor data as little-endian float32 bytes.
func EncodeTensor(t imageprocessor.Tensor) *wrapperspb.BytesValue {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return wrapperspb.Bytes(buf)
}

// DecodeTensor is the inverse of EncodeTensor.
func DecodeTensor(in *wrapperspb.BytesValue) ([]float32, error) {
	raw := in.GetValue()
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("tensor payload of %d bytes is not float32 aligned", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// Probabilities builds a Score response.
func Probabilities(probs []float32) *structpb.ListValue {
	values := make([]*structpb.Value, len(probs))
	for i, p := range probs {
		values[i] = structpb.NewNumberValue(float64(p))
	}
	return &structpb.ListValue{Values: values}
}
