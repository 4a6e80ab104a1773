package grpcclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/icba-classifier/internal/imageprocessor"
	"github.com/example/icba-classifier/internal/logging"
)

// RemoteScorer runs the classifier in a separate model-serving process.
type RemoteScorer struct {
	conn       *grpc.ClientConn
	numClasses int
	maxRetries uint64
	logger     *zap.Logger
}

var _ imageprocessor.Scorer = (*RemoteScorer)(nil)

// DialScorer returns a ready-to-use scorer backed by the gRPC service at addr.
func DialScorer(ctx context.Context, addr string, numClasses int, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteScorer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_scorer", "", err)
		logger.Error("failed to dial scorer", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &RemoteScorer{
		conn:       conn,
		numClasses: numClasses,
		maxRetries: 3,
		logger:     logger.Named("remote_scorer"),
	}, nil
}

// Score sends the tensor to the remote model and returns its probabilities.
// Unavailable and overloaded servers are retried with exponential backoff.
func (s *RemoteScorer) Score(ctx context.Context, input imageprocessor.Tensor) ([]float32, error) {
	requestID := logging.RequestIDFromContext(ctx)
	req := EncodeTensor(input)

	var resp *structpb.ListValue
	op := func() error {
		out := new(structpb.ListValue)
		if err := s.conn.Invoke(ctx, scoreMethod, req, out); err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = out
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("scorer call failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		wrapped := logging.NewOperationError("grpcclient.score", requestID, err)
		logging.WithOperation(s.logger, "grpcclient.score", requestID).Error("scorer call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	probs := make([]float32, 0, len(resp.GetValues()))
	for _, v := range resp.GetValues() {
		probs = append(probs, float32(v.GetNumberValue()))
	}
	if err := imageprocessor.CheckOutput(probs, s.numClasses); err != nil {
		return nil, logging.NewOperationError("grpcclient.score", requestID, err)
	}
	return probs, nil
}

// Close tears down the connection.
func (s *RemoteScorer) Close() error {
	return s.conn.Close()
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}
