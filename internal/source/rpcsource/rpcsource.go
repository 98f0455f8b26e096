// Package rpcsource connects to instruments over Connect RPC.
package rpcsource

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"

	"labrecorder/internal/instrument"
	"labrecorder/internal/point"
	"labrecorder/internal/rpcjson"
	"labrecorder/internal/source"
)

// DefaultTimeout bounds each RPC when Dialer.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Dialer implements source.Dialer for instrument services.
type Dialer struct {
	// HTTPClient carries the requests. Defaults to a plain http.Client.
	HTTPClient connect.HTTPClient
	// Timeout bounds each Describe and Fetch call.
	Timeout time.Duration
}

var _ source.Dialer = (*Dialer)(nil)

// Dial connects to the instrument at id and verifies it answers Describe.
func (d *Dialer) Dial(ctx context.Context, id source.ID) (source.Conn, error) {
	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	baseURL := "http://" + id.String()
	opts := []connect.ClientOption{rpcjson.ClientOption()}
	describe := connect.NewClient[instrument.DescribeRequest, instrument.DescribeResponse](
		httpClient, baseURL+instrument.DescribeProcedure, opts...)
	fetch := connect.NewClient[instrument.FetchRequest, instrument.FetchResponse](
		httpClient, baseURL+instrument.FetchProcedure, opts...)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := describe.CallUnary(callCtx, connect.NewRequest(&instrument.DescribeRequest{}))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", source.ErrConnect, id, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	return &Conn{
		id:       id,
		provider: resp.Msg.Provider,
		fields:   resp.Msg.Fields,
		fetch:    fetch,
		timeout:  timeout,
		ctx:      connCtx,
		cancel:   connCancel,
	}, nil
}

// Conn is an established connection to one instrument.
type Conn struct {
	id       source.ID
	provider string
	fields   []string
	fetch    *connect.Client[instrument.FetchRequest, instrument.FetchResponse]
	timeout  time.Duration

	// ctx is cancelled by Close and aborts in-flight fetches.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ source.Conn = (*Conn)(nil)

// Provider returns the provider name reported by Describe.
func (c *Conn) Provider() string { return c.provider }

// Fields returns the field names reported by Describe.
func (c *Conn) Fields() []string { return c.fields }

// Fetch reads field values. Numbers are normalized to int64, uint64 or
// float64.
func (c *Conn) Fetch(ctx context.Context, fields []string) (map[string]any, error) {
	if c.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s: connection closed", source.ErrFetch, c.id)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	resp, err := c.fetch.CallUnary(callCtx, connect.NewRequest(&instrument.FetchRequest{Fields: fields}))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", source.ErrFetch, c.id, err)
	}

	values := make(map[string]any, len(resp.Msg.Values))
	for k, v := range resp.Msg.Values {
		nv, err := point.NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: field %q: %w", source.ErrFetch, c.id, k, err)
		}
		values[k] = nv
	}
	return values, nil
}

// Close aborts in-flight fetches. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}
