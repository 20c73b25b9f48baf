package grpcscan

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/caiconghui/kudu/pkg/remote"
)

// scanMethod is the server-streaming checksum scan of the tablet server's
// gRPC surface. Requests and updates travel as JSON via the registered codec.
const scanMethod = "/kudu.tserver.v1.Checksum/Scan"

// Scanner runs checksum scans over a gRPC server stream, delivering row and
// byte progress incrementally while the server sums the replica. Connections
// are cached per address.
type Scanner struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

var _ remote.ChecksumScanner = (*Scanner)(nil)

// NewScanner creates a streaming scanner with the given dial timeout. The
// connection manager is created here, not lazily: a single Scanner is shared
// by every tablet server and its first scans run concurrently.
func NewScanner(timeout time.Duration) *Scanner {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	s := &Scanner{timeout: timeout}
	s.cm = NewConnManager(30*time.Second, s.dialCtx)
	return s
}

// UseTLS sets TLS config for dialed connections.
func (s *Scanner) UseTLS(cfg *tls.Config) *Scanner { s.tlsCfg = cfg; return s }

// Close releases all cached connections.
func (s *Scanner) Close() {
	s.cm.Close()
}

func (s *Scanner) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	// Use JSON codec and set content subtype accordingly.
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(s.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return grpc.DialContext(dctx, target, opts...)
}

// Scan opens the stream, sends the request and drains updates until the
// terminal message arrives. The scan's wall time is bounded by ctx, not by
// the dial timeout.
func (s *Scanner) Scan(ctx context.Context, addr string, req remote.ChecksumRequest, progress func(deltaRows, deltaBytes int64)) (uint64, error) {
	cc, rel, err := s.cm.Get(ctx, addr)
	if err != nil {
		return 0, err
	}
	defer rel()

	// Build the client stream manually; the service has no generated stubs.
	sd := &grpc.StreamDesc{ServerStreams: true}
	cs, err := cc.NewStream(ctx, sd, scanMethod)
	if err != nil {
		return 0, err
	}
	if err := cs.SendMsg(&req); err != nil {
		return 0, err
	}
	// ignore close send errors for server streaming
	_ = cs.CloseSend()
	for {
		var update remote.ChecksumUpdate
		if err := cs.RecvMsg(&update); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("grpcscan: stream ended before the terminal update")
			}
			return 0, err
		}
		if (update.DeltaRows != 0 || update.DeltaBytes != 0) && progress != nil {
			progress(update.DeltaRows, update.DeltaBytes)
		}
		if update.Done {
			if update.Error != "" {
				return 0, errors.New(update.Error)
			}
			return update.Checksum, nil
		}
	}
}
