package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-glm/internal/logger"
)

const (
	// DefaultPort is the Flight data port of a results sink.
	DefaultPort = 3000
	// DefaultPath is the descriptor path results are published under.
	DefaultPath = "glm/results"
)

// Client moves result rows to and from a Flight endpoint.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	DoPut(ctx context.Context, path string, rows []ResultRow) error
	DoGet(ctx context.Context, path string) ([]ResultRow, error)
}

// FlightClient wraps Apache Arrow Flight for result transport.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
	log     *logger.Logger
}

func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = DefaultPort
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
		log:     logger.Log.With("flight"),
	}
}

// Addr is the host:port the client dials.
func (fc *FlightClient) Addr() string { return fc.addr }

// Connect establishes the gRPC channel. The dial is lazy, so failures
// surface on the first call.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

// DoPut streams rows as one record under path.
func (fc *FlightClient) DoPut(ctx context.Context, path string, rows []ResultRow) error {
	if fc.client == nil {
		return errors.New("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	rec := NewResultRecord(memory.DefaultAllocator, rows)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(ResultSchema))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{path}})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut: %w", err)
		}
	}
	fc.log.Debug("published results", "addr", fc.addr, "path", path, "rows", len(rows))
	return nil
}

// DoGet reads every row stored under path.
func (fc *FlightClient) DoGet(ctx context.Context, path string) ([]ResultRow, error) {
	if fc.client == nil {
		return nil, errors.New("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(path)})
	if err != nil {
		return nil, fmt.Errorf("failed to open DoGet stream: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rdr.Release()

	var rows []ResultRow
	for rdr.Next() {
		got, err := RowsFromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, got...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("DoGet: %w", err)
	}
	return rows, nil
}
