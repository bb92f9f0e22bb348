package codec

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region methods
// The inference sidecar hosts the sentence embedder and the NLI cross-encoder.
// Messages are google.protobuf.Struct so the service needs no generated stubs
// on either side.
const (
	methodEmbed  = "/newsgate.inference.v1.Inference/Embed"
	methodEntail = "/newsgate.inference.v1.Inference/Entail"
)

// #endregion methods

// #region types
// Pair is one premise/hypothesis input to the NLI model.
type Pair struct {
	Premise    string
	Hypothesis string
}

// #endregion types

// #region client-struct
// CodecClient wraps the gRPC connection to the inference service.
type CodecClient struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewCodecClient connects to the inference gRPC server.
func NewCodecClient(addr string) (*CodecClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &CodecClient{conn: conn, cc: conn}, nil
}

// NewCodecClientWithConn creates a CodecClient over an injected connection.
// Used for testing without a real gRPC server.
func NewCodecClientWithConn(cc grpc.ClientConnInterface) *CodecClient {
	return &CodecClient{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *CodecClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region embed
// Embed sends text to the inference service for embedding.
func (c *CodecClient) Embed(ctx context.Context, text string) ([]float32, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"text": text})
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodEmbed, req, resp); err != nil {
		return nil, fmt.Errorf("embed rpc: %w", err)
	}

	field, ok := resp.GetFields()["embedding"]
	if !ok {
		return nil, fmt.Errorf("embed rpc: response has no embedding")
	}
	values := field.GetListValue().GetValues()
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v.GetNumberValue())
	}
	return vec, nil
}

// #endregion embed

// #region entail
// Entail scores each pair with the NLI model and returns P(entailment) per pair,
// in input order.
func (c *CodecClient) Entail(ctx context.Context, pairs []Pair) ([]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	list := make([]interface{}, len(pairs))
	for i, p := range pairs {
		list[i] = map[string]interface{}{
			"premise":    p.Premise,
			"hypothesis": p.Hypothesis,
		}
	}
	req, err := structpb.NewStruct(map[string]interface{}{"pairs": list})
	if err != nil {
		return nil, fmt.Errorf("entail request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, methodEntail, req, resp); err != nil {
		return nil, fmt.Errorf("entail rpc: %w", err)
	}

	values := resp.GetFields()["scores"].GetListValue().GetValues()
	if len(values) != len(pairs) {
		return nil, fmt.Errorf("entail rpc: got %d scores for %d pairs", len(values), len(pairs))
	}
	scores := make([]float64, len(values))
	for i, v := range values {
		scores[i] = v.GetNumberValue()
	}
	return scores, nil
}

// #endregion entail
